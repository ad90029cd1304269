package security

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD_NAME", "inbox-0")

	labels, err := ParseMetricsLabels("service=inbox-service,pod=${POD_NAME}")
	require.NoError(t, err)
	assert.Equal(t, prometheus.Labels{"service": "inbox-service", "pod": "inbox-0"}, labels)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	assert.Nil(t, labels)

	_, err = ParseMetricsLabels("novalue")
	assert.Error(t, err)
	_, err = ParseMetricsLabels("1bad=x")
	assert.Error(t, err)
}

func TestRecordHelpersBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordMessageSent("user")
		RecordAttachmentFetch("ok", 10)
		RecordCacheLookup(true)
	})
}

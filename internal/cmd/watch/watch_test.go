package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"inbox-service/internal/model"
)

func TestFormatMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)
	m := model.Message{SenderID: "alice", SenderRole: model.RoleUser, Body: "hello", CreatedAt: at}
	require.Equal(t, "2024-05-01 12:30:00 alice(user): hello", formatMessage(m))

	url := "https://cdn.example.com/a.pdf"
	m.AttachmentURL = &url
	require.Equal(t, "2024-05-01 12:30:00 alice(user): hello [attachment: https://cdn.example.com/a.pdf]", formatMessage(m))

	name := "invoice.pdf"
	m.AttachmentName = &name
	require.Contains(t, formatMessage(m), "[attachment: invoice.pdf]")
}

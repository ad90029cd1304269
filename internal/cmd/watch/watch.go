package watch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"inbox-service/internal/client"
	"inbox-service/internal/model"
)

// Command returns the watch sub-command, which tails a conversation and prints
// new messages as they arrive.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Tail a conversation from a running inbox service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Sources: cli.EnvVars("INBOX_SERVICE_URL"),
				Usage:   "Base URL of the inbox service",
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:     "token",
				Sources:  cli.EnvVars("INBOX_SERVICE_TOKEN"),
				Usage:    "Bearer token of the watching principal",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "role",
				Sources: cli.EnvVars("INBOX_SERVICE_ROLE"),
				Usage:   "Principal role sent as X-Principal-Role (testing mode only)",
			},
			&cli.StringFlag{
				Name:     "conversation",
				Aliases:  []string{"c"},
				Usage:    "Conversation id or pair:<userId>:<businessId>",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "cursor",
				Usage: "Resume after this cursor instead of the beginning",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Polling interval",
				Value: 5 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var opts []client.Option
			if role := cmd.String("role"); role != "" {
				opts = append(opts, client.WithRole(role))
			}
			c := client.New(cmd.String("url"), cmd.String("token"), opts...)

			out := io.Writer(os.Stdout)
			if cmd.Writer != nil {
				out = cmd.Writer
			}
			ref := cmd.String("conversation")
			poller := client.NewPoller(c, ref, cmd.Duration("interval"), func(_ context.Context, messages []model.Message) error {
				for _, m := range messages {
					if _, err := fmt.Fprintln(out, formatMessage(m)); err != nil {
						return err
					}
				}
				return nil
			})
			poller.SetCursor(cmd.String("cursor"))

			log.Info("Watching conversation", "conversation", ref, "url", cmd.String("url"))
			err := poller.Run(ctx)
			log.Info("Stopped watching", "resumeCursor", poller.Cursor())
			return err
		},
	}
}

func formatMessage(m model.Message) string {
	line := fmt.Sprintf("%s %s(%s): %s", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.SenderRole, m.Body)
	if m.HasAttachment() {
		name := *m.AttachmentURL
		if m.AttachmentName != nil && *m.AttachmentName != "" {
			name = *m.AttachmentName
		}
		line += fmt.Sprintf(" [attachment: %s]", name)
	}
	return line
}

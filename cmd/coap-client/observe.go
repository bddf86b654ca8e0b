package main

import (
	"context"
	"io"
	"time"

	coap "github.com/plgd-dev/go-coap-gateway"
	"github.com/plgd-dev/go-coap-gateway/message"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const cancelObservationTimeout = 5 * time.Second

func observeCmd(run runFunc) *cobra.Command {
	count := 0
	cmd := &cobra.Command{
		Use:     "observe <path>",
		Short:   "Observe a resource and print every notification",
		Example: "  coap-client observe --count 10 /sensors/temp",
		Args:    cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *coap.Client, out io.Writer, args []string) error {
			return observe(ctx, c, args[0], count, out)
		}),
	}
	cmd.Flags().IntVarP(&count, "count", "n", count, "number of notifications to print, 0 observes until interrupted")
	return cmd
}

// observe prints notifications of path until count of them were printed, ctx is done or
// the observation ends.
func observe(ctx context.Context, c *coap.Client, path string, count int, out io.Writer) error {
	logger := log.WithField("path", path)
	notifications := make(chan *message.Message, 16)
	obs, err := c.Observe(ctx, path, func(m *message.Message) {
		select {
		case notifications <- m:
		default:
			logger.Warn("dropping notification, output is too slow")
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelObservationTimeout)
		defer cancel()
		if err := obs.Cancel(cancelCtx); err != nil {
			logger.WithError(err).Debug("cannot cancel observation")
		}
	}()

	printed := 0
	printNotification := func(m *message.Message) error {
		printed++
		return printResponse(out, m, nil)
	}
	for count == 0 || printed < count {
		select {
		case <-ctx.Done():
			return nil
		case m := <-notifications:
			if err := printNotification(m); err != nil {
				return err
			}
		case <-obs.Done():
			for {
				select {
				case m := <-notifications:
					if err := printNotification(m); err != nil {
						return err
					}
				default:
					return obs.Err()
				}
			}
		}
	}
	return nil
}

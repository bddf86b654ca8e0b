package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	coap "github.com/plgd-dev/go-coap-gateway"
	"github.com/plgd-dev/go-coap-gateway/config"
	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/metrics"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const metricsNamespace = "coap"

var contentFormats = map[string]message.MediaType{
	"text":   message.TextPlain,
	"json":   message.AppJSON,
	"cbor":   message.AppCBOR,
	"xml":    message.AppXML,
	"octets": message.AppOctets,
}

func parseContentFormat(s string) (message.MediaType, error) {
	if mt, ok := contentFormats[strings.ToLower(s)]; ok {
		return mt, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown content format %q", s)
	}
	return message.MediaType(v), nil
}

// Commands builds the command tree. Flags default to the values of cfg.
func Commands(cfg config.Config) *cobra.Command {
	var requestTimeout time.Duration
	rootCmd := &cobra.Command{
		Use:          "coap-client",
		Short:        "coap-client sends CoAP requests to a gateway over DTLS-PSK",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfg.Gateway, "gateway", "g", cfg.Gateway, "gateway address, host[:port]")
	flags.StringVarP(&cfg.Identity, "identity", "i", cfg.Identity, "PSK identity")
	flags.StringVar(&cfg.PSK, "psk", cfg.PSK, "pre-shared key")
	flags.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level to use")
	flags.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "DTLS handshake timeout")
	flags.DurationVarP(&requestTimeout, "timeout", "t", 0, "overall timeout of a command, 0 waits for the retransmission limit")

	run := func(f func(ctx context.Context, c *coap.Client, out io.Writer, args []string) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cfg, nil)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := cmd.Context()
			if requestTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, requestTimeout)
				defer cancel()
			}
			return f(ctx, c, cmd.OutOrStdout(), args)
		}
	}

	rootCmd.AddCommand(getCmd(run))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "delete <path>",
		Short: "Send a DELETE request",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *coap.Client, out io.Writer, args []string) error {
			resp, err := c.Delete(ctx, args[0])
			return printResponse(out, resp, err)
		}),
	})
	rootCmd.AddCommand(payloadCmd("put", run, func(c *coap.Client) payloadFunc { return c.Put }))
	rootCmd.AddCommand(payloadCmd("post", run, func(c *coap.Client) payloadFunc { return c.Post }))
	rootCmd.AddCommand(observeCmd(run))
	rootCmd.AddCommand(pollCmd(&cfg))
	return rootCmd
}

type (
	payloadFunc = func(ctx context.Context, path string, contentFormat message.MediaType, payload []byte, opts ...message.Option) (*message.Message, error)
	runFunc     = func(f func(ctx context.Context, c *coap.Client, out io.Writer, args []string) error) func(cmd *cobra.Command, args []string) error
)

func getCmd(run runFunc) *cobra.Command {
	var accept string
	cmd := &cobra.Command{
		Use:     "get <path>",
		Short:   "Send a GET request and print the response payload",
		Example: "  coap-client get --accept json /sensors/temp",
		Args:    cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *coap.Client, out io.Writer, args []string) error {
			var opts message.Options
			if accept != "" {
				mt, err := parseContentFormat(accept)
				if err != nil {
					return err
				}
				opts = opts.SetAccept(mt)
			}
			resp, err := c.Get(ctx, args[0], opts...)
			return printResponse(out, resp, err)
		}),
	}
	cmd.Flags().StringVarP(&accept, "accept", "a", "", "preferred content format of the response")
	return cmd
}

func payloadCmd(method string, run runFunc, send func(c *coap.Client) payloadFunc) *cobra.Command {
	format := "text"
	cmd := &cobra.Command{
		Use:     method + " <path> <payload>",
		Short:   "Send a " + strings.ToUpper(method) + " request with payload",
		Example: "  coap-client " + method + " --format json /lights/1 '{\"on\":true}'",
		Args:    cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, c *coap.Client, out io.Writer, args []string) error {
			mt, err := parseContentFormat(format)
			if err != nil {
				return err
			}
			resp, err := send(c)(ctx, args[0], mt, []byte(args[1]))
			return printResponse(out, resp, err)
		}),
	}
	cmd.Flags().StringVarP(&format, "format", "f", format, "content format: text, json, cbor, xml, octets or a number")
	return cmd
}

func newClient(cfg config.Config, reg prometheus.Registerer) (*coap.Client, error) {
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, coap.WithLogger(log.StandardLogger()))
	if reg != nil {
		m, err := metrics.New(metricsNamespace, reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, coap.WithMetrics(m))
	}
	c := coap.New(nil, opts...)
	if !cfg.HasGateway() {
		return c, nil
	}
	if err := c.SetGateway(cfg.Gateway, cfg.Identity, []byte(cfg.PSK)); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func printResponse(out io.Writer, resp *message.Message, err error) error {
	if errors.Is(err, coap.ErrRequestRejected) && resp != nil && len(resp.Payload) > 0 {
		return fmt.Errorf("%w: %s", err, resp.Payload)
	}
	if err != nil {
		return err
	}
	if len(resp.Payload) > 0 {
		_, err = fmt.Fprintf(out, "%s\n", resp.Payload)
		return err
	}
	_, err = fmt.Fprintf(out, "%v\n", resp.Code)
	return err
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/HMasataka/quill/internal/devserver"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func buildPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		server string
		room   string
		sid    string
	)

	cmd := &cobra.Command{
		Use:   "publish EVENT [JSON]",
		Short: "Inject an event into a running dev server",
		Example: `  quill publish notification '{"id":"n1","type":"like","message":"Bob liked your post","timestamp":1700000000000}'
  quill publish articleUpdate '{"articleId":"42"}' --room article:42`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}

			req := devserver.PublishRequest{Event: domain.EventName(args[0]), Room: room, SID: sid}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.New(errors.ErrorTypeValidation, errors.CodeInvalidEvent, "payload is not valid JSON")
				}
				req.Data = json.RawMessage(args[1])
			}

			base, err := serverBase(server, cfg.Realtime.URL)
			if err != nil {
				return err
			}
			return postJSON(cmd.Context(), cmd.OutOrStdout(), base+"/publish", req)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Dev server base URL (default derived from the realtime URL)")
	cmd.Flags().StringVar(&room, "room", "", "Deliver only to members of this room or topic")
	cmd.Flags().StringVar(&sid, "sid", "", "Deliver only to this session")

	return cmd
}

func buildKickCmd(flags *globalFlags) *cobra.Command {
	var (
		server string
		sid    string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "kick",
		Short: "Force a server-side disconnect of one or all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			base, err := serverBase(server, cfg.Realtime.URL)
			if err != nil {
				return err
			}
			return postJSON(cmd.Context(), cmd.OutOrStdout(), base+"/kick", devserver.KickRequest{SID: sid, Reason: reason})
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Dev server base URL (default derived from the realtime URL)")
	cmd.Flags().StringVar(&sid, "sid", "", "Session to kick (default all)")
	cmd.Flags().StringVar(&reason, "reason", "", "Disconnect reason (default \""+domain.ReasonServerDisconnect+"\")")

	return cmd
}

// serverBase turns the realtime endpoint into the dev server's HTTP root.
func serverBase(server, endpoint string) (string, error) {
	if server == "" {
		server = endpoint
	}
	u, err := transport.ResolveURL(server, "http")
	if err != nil {
		return "", err
	}
	u.Path, u.RawQuery = "", ""
	return u.String(), nil
}

func postJSON(ctx context.Context, out io.Writer, target string, body any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeMarshal, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeDial, "dev server unreachable").WithDetails(target)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(reply))
	}

	_, err = fmt.Fprintln(out, string(bytes.TrimSpace(reply)))
	return err
}

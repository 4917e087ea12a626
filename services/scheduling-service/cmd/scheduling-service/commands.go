package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/callpilot/callpilot/libs/auth"
	"github.com/callpilot/callpilot/libs/grpcx"
	"github.com/callpilot/callpilot/libs/runtime"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/appconfig"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/dateparse"
)

// remindCommand runs a single reminder pass, for cron-style deployments.
func remindCommand() *cli.Command {
	return &cli.Command{
		Name:  "remind",
		Usage: "Run one reminder pass and exit.",
		Action: func(c *cli.Context) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.ServiceName)

			a, err := build(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.worker.RunOnce(c.Context)
			if err != nil {
				return fmt.Errorf("reminder pass: %w", err)
			}
			return printJSON(res)
		},
	}
}

// resolveCommand prints how a phrase resolves, without touching the calendar.
func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a natural-language date or time.",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "timezone", Aliases: []string{"tz"}, EnvVars: []string{"CLINIC_TIMEZONE"}, Value: "America/New_York"},
			&cli.StringFlag{Name: "now", Usage: "reference time (RFC 3339); defaults to the current time"},
		},
		Action: func(c *cli.Context) error {
			text := strings.Join(c.Args().Slice(), " ")
			loc, err := time.LoadLocation(c.String("timezone"))
			if err != nil {
				return fmt.Errorf("invalid timezone %q: %w", c.String("timezone"), err)
			}
			now := time.Now()
			if raw := c.String("now"); raw != "" {
				if now, err = time.Parse(time.RFC3339, raw); err != nil {
					return fmt.Errorf("invalid --now: %w", err)
				}
			}
			res, err := dateparse.Resolve(text, now, loc)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"kind":  res.Kind,
				"start": res.Start,
				"end":   res.End,
			})
		},
	}
}

// healthcheckCommand probes a running instance over gRPC, for container
// health checks.
func healthcheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "healthcheck",
		Usage: "Check the gRPC health endpoint of a running service.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:9090"},
			&cli.DurationFlag{Name: "timeout", Value: 3 * time.Second},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			conn, err := grpcx.Dial(ctx, c.String("addr"), grpcx.DialOptions{Timeout: c.Duration("timeout")})
			if err != nil {
				return fmt.Errorf("dial %s: %w", c.String("addr"), err)
			}
			defer conn.Close()

			resp, err := healthpb.NewHealthClient(conn).Check(grpcx.WithRequestID(ctx, grpcx.NewRequestID()),
				&healthpb.HealthCheckRequest{Service: healthService})
			if err != nil {
				return err
			}
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("calendar status %s", resp.GetStatus())
			}
			fmt.Println("SERVING")
			return nil
		},
	}
}

// tokenCommand mints an HS256 bearer token for the voice agent or staff tools.
func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token signed with JWT_SECRET.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
			&cli.StringFlag{Name: "subject", Value: "voice-agent"},
			&cli.StringFlag{Name: "role", Value: auth.RoleAgent, Usage: "agent, staff or admin"},
			&cli.StringFlag{Name: "clinic"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			switch role := c.String("role"); role {
			case auth.RoleAgent, auth.RoleStaff, auth.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			now := time.Now()
			tok, err := auth.SignHS256(auth.Claims{
				Sub:      c.String("subject"),
				ClinicID: c.String("clinic"),
				Role:     c.String("role"),
				Iat:      now.Unix(),
				Exp:      now.Add(c.Duration("ttl")).Unix(),
			}, c.String("secret"))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

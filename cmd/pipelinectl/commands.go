package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/esg-pipeline/internal/app"
	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/internal/service"
)

const operatorActor = "pipelinectl"

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect or declare the exchange/queue topology",
	}

	var file string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the binding table as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topology, err := events.LoadTopology(file)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), topology)
		},
	}
	show.Flags().StringVar(&file, "file", "", "Topology file (defaults to the built-in table)")

	declare := &cobra.Command{
		Use:   "declare",
		Short: "Create streams and consumers on the configured broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logr, err := loadConfig()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck

			topology, err := events.LoadTopology(cfg.Broker.TopologyFile)
			if err != nil {
				return err
			}
			broker, err := app.NewBroker(cfg, logr)
			if err != nil {
				return err
			}
			defer broker.Close() //nolint:errcheck
			if err := broker.Declare(cmd.Context(), topology); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "declared %d queues on %d exchanges\n", len(topology.Queues()), len(topology.Exchanges()))
			return nil
		},
	}

	types := &cobra.Command{
		Use:   "types",
		Short: "List the message type tags the codec accepts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeYAML(cmd.OutOrStdout(), map[string][]string{"messageTypes": events.NewCodec(nil).Types()})
		},
	}

	cmd.AddCommand(show, declare, types)
	return cmd
}

func newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List or replay dead-lettered messages",
	}

	var query dto.DeadLetterQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived dead letters, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				letters, page, err := a.Services.DeadLetters.List(cmd.Context(), query)
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), map[string]interface{}{
					"deadLetters": letters,
					"totalCount":  page.TotalCount,
				})
			})
		},
	}
	list.Flags().StringVar(&query.Queue, "queue", "", "Only letters from this queue")
	list.Flags().BoolVar(&query.NotReplayed, "not-replayed", false, "Hide letters that were already replayed")
	list.Flags().IntVar(&query.Page, "page", 1, "Page number")
	list.Flags().IntVar(&query.PageSize, "page-size", 50, "Page size")

	replay := &cobra.Command{
		Use:   "replay <id>...",
		Short: "Re-publish dead letters through the outbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				for _, id := range args {
					result, err := a.Services.DeadLetters.Replay(cmd.Context(), id, operatorActor)
					if err != nil {
						return fmt.Errorf("replay %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> outbox %s (replay #%d)\n", result.DeadLetterID, result.OutboxMessageID, result.ReplayCount)
				}
				_, err := a.Relay.Flush(cmd.Context())
				return err
			})
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Operate on the transactional outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Publish every claimable outbox row once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				published, err := a.Relay.Flush(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "published %d messages\n", published)
				return err
			})
		},
	})
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint access tokens",
	}

	var subject service.TokenSubject
	var role string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			auth := service.NewAuthService(service.AuthConfig{
				AccessTokenSecret: cfg.JWT.Secret,
				AccessTokenExpiry: cfg.JWT.TokenTTL,
				Issuer:            cfg.JWT.Issuer,
			})
			subject.Role = models.UserRole(role)
			token, expiresAt, err := auth.IssueToken(subject)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), map[string]interface{}{
				"token":     token,
				"expiresAt": expiresAt,
			})
		},
	}
	issue.Flags().StringVar(&subject.UserID, "user", "", "User id placed in the token")
	issue.Flags().StringVar(&role, "role", string(models.RoleAdmin), "ADMIN, REVIEWER, UPLOADER or MEMBER")
	issue.Flags().StringVar(&subject.Email, "email", "", "Email address")
	issue.Flags().StringVar(&subject.FullName, "name", "", "Display name")
	_ = issue.MarkFlagRequired("user")

	cmd.AddCommand(issue)
	return cmd
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

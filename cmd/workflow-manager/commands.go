package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xscopehub/grantflow/internal/config"
	"github.com/xscopehub/grantflow/internal/queue"
	"github.com/xscopehub/grantflow/internal/repository"
	logpkg "github.com/xscopehub/grantflow/pkg/log"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the workflow tables in the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs the postgres store, got %q", cfg.Store.Driver)
			}
			ctx := commandContext(cmd)
			store, err := repository.NewPostgresStore(ctx, repository.PostgresConfig{
				DSN:            cfg.Store.DSN,
				MaxConnections: cfg.Store.MaxConnections,
			})
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			logpkg.New(cfg.Telemetry.ServiceName, cfg.Log.Level, "text").Info("database schema migrated")
			return nil
		},
	}
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config and workflow definitions, then print the registry",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), map[string]string{"workflows.definitions_file": "definitions"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Describe())
		},
	}
	cmd.Flags().String("definitions", "", "YAML file with extra workflow definitions")
	return cmd
}

func newEnqueueCmd(v *viper.Viper) *cobra.Command {
	var (
		file string
		id   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish one workflow event to the configured queue",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags(), map[string]string{"queue.driver": "queue"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			body, err := readEvent(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			if err := publish(commandContext(cmd), cfg, id, body); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "event JSON file, - for stdin")
	cmd.Flags().StringVar(&id, "id", "", "message id (random when empty)")
	cmd.Flags().String("queue", "", "queue driver (nats, kafka)")
	return cmd
}

// readEvent reads and decodes the event so malformed input never reaches the
// queue.
func readEvent(stdin io.Reader, file string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if file == "-" || file == "" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	ev, err := queue.Decode(body)
	if err != nil {
		return nil, err
	}
	return queue.Encode(ev)
}

func publish(ctx context.Context, cfg config.Config, id string, body []byte) error {
	switch cfg.Queue.Driver {
	case "nats":
		nc, err := nats.Connect(cfg.Queue.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		src, err := queue.NewJetStreamSource(ctx, nc, queue.JetStreamConfig{
			Stream:     cfg.Queue.NATS.Stream,
			Subject:    cfg.Queue.NATS.Subject,
			Durable:    cfg.Queue.NATS.Durable,
			Visibility: cfg.Queue.Visibility,
			MaxDeliver: cfg.Queue.NATS.MaxDeliver,
		})
		if err != nil {
			return err
		}
		return src.Publish(ctx, id, body)
	case "kafka":
		w := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Queue.Kafka.Brokers...),
			Topic:        cfg.Queue.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		defer w.Close()
		return w.WriteMessages(ctx, kafka.Message{
			Key:     []byte(id),
			Value:   body,
			Headers: []kafka.Header{{Key: queue.MessageIDHeader, Value: []byte(id)}},
		})
	default:
		return errors.New("enqueue supports the nats and kafka drivers")
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/veloxpay/relay-go"
	"github.com/veloxpay/relay-go/config"
	"github.com/veloxpay/relay-go/contracts"
	"github.com/veloxpay/relay-go/health"
	"github.com/veloxpay/relay-go/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Interact with a relay messaging topology",
		Long: `relayctl declares topologies and publishes, consumes and calls over them.
It speaks the same envelope format as the relay client library.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		brokerURL  string
		configPath string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "RabbitMQ connection URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to relay config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	loadConfig := func() (*config.Config, error) {
		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.FromEnv()
		}
		if err != nil {
			return nil, err
		}
		if brokerURL != "" {
			cfg.URL = brokerURL
		}
		return cfg, nil
	}

	connect := func(ctx context.Context, cfg *config.Config) (*relay.Client, error) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		client, err := relay.NewClient(cfg.URL, relay.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return client, nil
	}

	// Declare command
	declareCmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare the topology from the config file",
		Long:  "Declares every exchange, queue and binding in the config, plus the shared dead-letter infrastructure. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeclareTopology(ctx, cfg.Descriptor()); err != nil {
				return fmt.Errorf("failed to declare topology: %w", err)
			}

			d := cfg.Descriptor()
			fmt.Printf("Declared %d exchanges, %d queues, %d bindings\n",
				len(d.Exchanges), len(d.Queues), len(d.Bindings))
			return nil
		},
	}

	// Publish command
	var (
		msgType     string
		msgPriority uint8
	)
	publishCmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> <json-data>",
		Short: "Publish one envelope",
		Long:  "Wraps the JSON payload in an envelope and publishes it. Retries through backpressure with the config's publish settings.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("payload is not valid JSON")
			}

			env, err := contracts.NewEnvelope(msgType, json.RawMessage(args[2]))
			if err != nil {
				return fmt.Errorf("failed to build envelope: %w", err)
			}
			if msgPriority > 0 {
				env = env.WithPriority(msgPriority)
			}

			client, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			accepted, err := messaging.PublishWithRetry(ctx, func(ctx context.Context) (bool, error) {
				return client.Publish(ctx, args[0], args[1], env)
			}, cfg.Publish.MaxAttempts, cfg.Publish.BaseDelay.Std())
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			if !accepted {
				return fmt.Errorf("broker did not accept the message after %d attempts", cfg.Publish.MaxAttempts)
			}

			fmt.Printf("Published %s (%s)\n", env.ID, env.Type)
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&msgType, "type", "t", "relayctl.message", "Envelope message type")
	publishCmd.Flags().Uint8VarP(&msgPriority, "priority", "p", 0, "Message priority (0-10)")

	// Consume command
	consumeCmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume envelopes from a queue and print them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.Consumer().Consume(ctx, args[0], func(ctx context.Context, env *contracts.Envelope) error {
				fmt.Printf("%s  %s  %s  %s\n",
					time.UnixMilli(env.Timestamp).Format(time.RFC3339),
					env.ID,
					env.Type,
					string(env.Data),
				)
				return nil
			},
				messaging.WithConsumePrefetch(cfg.Prefetch),
				messaging.WithRedeliveryLimit(cfg.RedeliveryLimit),
			)
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}

			fmt.Printf("Consuming from %s... Press Ctrl+C to stop\n", args[0])
			<-ctx.Done()
			return nil
		},
	}

	// RPC command
	var (
		rpcType    string
		rpcTimeout time.Duration
	)
	rpcCmd := &cobra.Command{
		Use:   "rpc <queue> <json-data>",
		Short: "Send a request and wait for the correlated reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}

			request, err := contracts.NewEnvelope(rpcType, json.RawMessage(args[1]))
			if err != nil {
				return fmt.Errorf("failed to build envelope: %w", err)
			}

			client, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.RPC().Call(ctx, args[0], request, rpcTimeout)
			if err != nil {
				return fmt.Errorf("call failed: %w", err)
			}

			out, err := json.MarshalIndent(reply, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	rpcCmd.Flags().StringVarP(&rpcType, "type", "t", "relayctl.request", "Envelope message type")
	rpcCmd.Flags().DurationVar(&rpcTimeout, "timeout", messaging.DefaultRPCTimeout, "How long to wait for the reply")

	// RPC serve subcommand
	var replyType string
	rpcServeCmd := &cobra.Command{
		Use:   "serve <queue>",
		Short: "Answer requests on a queue by echoing each payload back",
		Long:  "Runs a responder on the queue: every request is answered with a correlated reply carrying the request's payload. Useful for exercising RPC callers.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			server := client.RPCServer()
			err = server.Serve(ctx, args[0], func(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error) {
				fmt.Printf("%s  %s  %s  %s\n",
					time.UnixMilli(request.Timestamp).Format(time.RFC3339),
					request.ID,
					request.Type,
					string(request.Data),
				)
				return contracts.NewEnvelope(replyType, request.Data)
			},
				messaging.WithConsumePrefetch(cfg.Prefetch),
				messaging.WithRedeliveryLimit(cfg.RedeliveryLimit),
			)
			if err != nil {
				return fmt.Errorf("failed to serve: %w", err)
			}

			fmt.Printf("Serving requests on %s... Press Ctrl+C to stop\n", args[0])
			<-ctx.Done()
			return nil
		},
	}
	rpcServeCmd.Flags().StringVar(&replyType, "reply-type", "relayctl.reply", "Envelope type of the echoed reply")
	rpcCmd.AddCommand(rpcServeCmd)

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health [queues...]",
		Short: "Check broker connectivity and queue accessibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			results := client.Health(ctx, args...)
			for _, res := range results {
				line := fmt.Sprintf("%-30s %-10s %s", res.Name, res.Status, res.Message)
				if res.Error != "" {
					line += " (" + res.Error + ")"
				}
				fmt.Println(line)
			}

			if health.Overall(results) == health.StatusUnhealthy {
				return fmt.Errorf("system is unhealthy")
			}
			return nil
		},
	}

	rootCmd.AddCommand(declareCmd, publishCmd, consumeCmd, rpcCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/ibvconn/internal/config"
	"github.com/yuuki/ibvconn/internal/conn"
	"github.com/yuuki/ibvconn/internal/rdma"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "ibvpipe",
		Short: "Demo client/server for a reliable, point-to-point RDMA byte stream",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	root.AddCommand(newListenCmd(), newDialCmd(), newCreateConfigCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("ibvpipe failed")
	}
}

func setupLogging(cfg *config.ConnConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openContext(cfg *config.ConnConfig) *conn.Context {
	manager, err := rdma.NewManager()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to enumerate RDMA devices")
	}
	device := selectDevice(manager, cfg.DeviceName)
	if device == nil {
		log.Fatal().Str("device", cfg.DeviceName).Msg("RDMA device not found")
	}
	if err := device.Open(cfg.GIDIndex); err != nil {
		log.Fatal().Err(err).Str("device", cfg.DeviceName).Msg("failed to open RDMA device")
	}

	ctx, err := conn.NewContext(device,
		conn.WithRingCapacity(cfg.RingCapacity),
		conn.WithMaxPendingWRs(cfg.MaxPendingWRs),
		conn.WithDialTimeout(time.Duration(cfg.DialTimeoutMS)*time.Millisecond),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create connection context")
	}
	return ctx
}

// selectDevice returns the device matching name, or the first device
// found when name is empty.
func selectDevice(manager *rdma.Manager, name string) *rdma.Device {
	if name == "" {
		if len(manager.Devices) == 0 {
			return nil
		}
		return manager.Devices[0]
	}
	return manager.ByName(name)
}

func newCreateConfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "create-config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConnConfig(out); err != nil {
				return err
			}
			fmt.Printf("Default configuration written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "config-output", "ibvconn.yaml", "Path where to write the default configuration")
	return cmd
}

func newListenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept one connection and echo bytes read back to the sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConnConfig(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			setupLogging(cfg)
			ctx := openContext(cfg)
			defer ctx.Close()

			ln, err := conn.Listen(ctx, cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
			}
			log.Info().Str("addr", ln.Addr().String()).Msg("listening for connections")

			c, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("failed to accept connection: %w", err)
			}
			c.SetID(cfg.ConnID)

			runEchoLoop(c)
			return c.Err()
		},
	}
	return cmd
}

func newDialCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to a listener and stream stdin to it, printing whatever it sends back",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConnConfig(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			setupLogging(cfg)
			ctx := openContext(cfg)
			defer ctx.Close()

			c := conn.Dial(ctx, addr, cfg.ConnID)
			runStdinLoop(c)
			return c.Err()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9999", "Address to dial")
	return cmd
}

// runEchoLoop reads whatever is available and writes it straight back,
// until the connection's sticky error is set.
func runEchoLoop(c *conn.Connection) {
	for c.Err() == nil {
		done := make(chan struct{})
		c.ReadUnsized(func(buf []byte, err error) {
			defer close(done)
			if err != nil {
				return
			}
			echoed := append([]byte(nil), buf...)
			c.WriteRaw(echoed, func(err error) {
				if err != nil {
					log.Warn().Err(err).Msg("echo write failed")
				}
			})
		})
		<-done
	}
}

// runStdinLoop streams stdin line by line to the connection and prints
// whatever comes back, until the connection's sticky error is set or
// stdin is exhausted.
func runStdinLoop(c *conn.Connection) {
	go func() {
		for c.Err() == nil {
			done := make(chan struct{})
			c.ReadUnsized(func(buf []byte, err error) {
				defer close(done)
				if err != nil {
					return
				}
				fmt.Printf("peer: %s", string(buf))
			})
			<-done
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	for c.Err() == nil {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			done := make(chan struct{})
			c.WriteRaw([]byte(line), func(err error) {
				defer close(done)
				if err != nil {
					log.Warn().Err(err).Msg("write failed")
				}
			})
			<-done
		}
		if err == io.EOF {
			return
		}
	}
}

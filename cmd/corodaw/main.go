package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/damyanp/corodaw/devices"
	"github.com/damyanp/corodaw/engine"
	"github.com/damyanp/corodaw/engine/graph"
	"github.com/damyanp/corodaw/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "corodaw",
		Short:        "Real-time audio graph engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			viper.SetEnvPrefix("corodaw")
			viper.AutomaticEnv()
			if cfg := viper.GetString("config"); cfg != "" {
				viper.SetConfigFile(cfg)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config: %w", err)
				}
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.Bool("verbose", false, "enable debug logging")
	pf.String("config", "", "config file path")
	pf.Int("sample-rate", 48000, "sample rate in Hz")
	pf.Int("channels", 2, "output channel count")
	pf.Int("block-size", 512, "audio block size in frames")
	_ = viper.BindPFlags(pf)

	root.AddCommand(devicesCmd(), playCmd())
	return root
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List playback devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := devices.List()
			if err != nil {
				return err
			}
			for _, info := range infos {
				marker := " "
				if info.IsDefault {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, info.Name)
			}
			return nil
		},
	}
}

func playCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a sine through a gain on the default output",
		RunE:  runPlay,
	}
	fl := cmd.Flags()
	fl.Float64("freq", 440, "sine frequency in Hz")
	fl.Float64("gain", 0.5, "linear gain")
	fl.Duration("for", 0, "stop after this duration (0 plays until interrupted)")
	fl.String("metrics-addr", "", "expose prometheus metrics on this address")
	_ = viper.BindPFlags(fl)
	return cmd
}

func runPlay(cmd *cobra.Command, args []string) error {
	log, err := logging.New(viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	eng, err := engine.New(engine.Config{
		SampleRate: viper.GetInt("sample-rate"),
		Channels:   viper.GetInt("channels"),
		BlockSize:  viper.GetInt("block-size"),
		Logger:     log,
	})
	if err != nil {
		return err
	}

	sine, err := eng.AddSine(viper.GetFloat64("freq"), 1.0)
	if err != nil {
		return err
	}
	gain, err := eng.AddGain(float32(viper.GetFloat64("gain")))
	if err != nil {
		return err
	}
	for ch := 0; ch < viper.GetInt("channels"); ch++ {
		if err := eng.Connect(graph.Connection{
			Kind: graph.Audio, Src: sine, SrcPort: ch, Dst: gain, DstPort: ch,
		}); err != nil {
			return err
		}
	}
	if err := eng.SetOutput(gain); err != nil {
		return err
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(engine.NewMetrics(eng))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("metrics exposed", zap.String("addr", addr))
	}

	if err := eng.Start(); err != nil {
		return err
	}
	defer func() { _ = eng.Stop() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if d := viper.GetDuration("for"); d > 0 {
		timeout = time.After(d)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			return nil
		case <-timeout:
			return nil
		case <-ticker.C:
			if v, ok := eng.Meter(gain); ok {
				log.Debug("output meter",
					zap.Float32("left", v.L),
					zap.Float32("right", v.R),
					zap.Float32("vuLeft", v.VL),
					zap.Float32("vuRight", v.VR))
			}
		}
	}
}

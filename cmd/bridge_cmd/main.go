// Bridge server entrypoint. Process level settings (paths, ports, node
// credentials) come from a viper config file; the bridge level settings
// (owner, contracts, signing, indexers) live in the database and are managed
// through the admin routes.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/btfbridge-io/bridge-go/bridge"
	btcrpc "github.com/btfbridge-io/bridge-go/btcman/rpc"
	"github.com/btfbridge-io/bridge-go/logconfig"
)

func main() {
	configPath := flag.String("config", "bridge.yaml", "path to the config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}

	switch viper.GetString("log_level") {
	case "debug":
		logconfig.ConfigDebugLogger()
	case "info":
		logconfig.ConfigInfoLogger()
	default:
		logconfig.ConfigProductionLogger()
	}

	b, err := bridge.New(cfg)
	if err != nil {
		logger.Fatalf("assembling bridge: %v", err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("bridge stopped: %v", err)
	}
	logger.Info("bridge shut down")
}

func loadConfig(path string) (bridge.Config, error) {
	viper.SetConfigFile(path)
	viper.SetEnvPrefix("BRIDGE")
	viper.AutomaticEnv()

	viper.SetDefault("db_path", "bridge.db")
	viper.SetDefault("http.ip", "0.0.0.0")
	viper.SetDefault("http.port", "8080")

	if err := viper.ReadInConfig(); err != nil {
		return bridge.Config{}, err
	}

	return bridge.Config{
		DBPath:        viper.GetString("db_path"),
		BtcPrivateKey: viper.GetString("btc_private_key"),
		BtcRpc: btcrpc.RpcClientConfig{
			ServerAddr: viper.GetString("btc_rpc.server"),
			Port:       viper.GetString("btc_rpc.port"),
			Username:   viper.GetString("btc_rpc.username"),
			Pwd:        viper.GetString("btc_rpc.password"),
		},
		ServerIP:   viper.GetString("http.ip"),
		ServerPort: viper.GetString("http.port"),
	}, nil
}

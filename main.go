package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"peerdrop/config"
	"peerdrop/crypto"
	"peerdrop/session"
	"peerdrop/storage"
	"peerdrop/ui"
)

const defaultLocatorBase = "peerdrop://join"

func main() {
	app := &cli.App{
		Name:  "peerdrop",
		Usage: "share files directly with one peer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "Data directory holding config, keys and downloads",
				EnvVars: []string{config.DataDirEnv},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
		Commands: []*cli.Command{
			idCommand(),
			serveCommand(),
			historyCommand(),
			peersCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("peerdrop failed")
		os.Exit(1)
	}
}

// identity is the loaded device configuration plus its static key.
type identity struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	key     noise.DHKey
}

func loadIdentity(c *cli.Context) (*identity, error) {
	var (
		cfg     *config.DeviceConfig
		cfgPath string
		err     error
	)
	if dir := c.String("data-dir"); dir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(dir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	key, err := crypto.EnsureStaticKey(cfg.StaticKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare static key: %w", err)
	}
	fingerprint := crypto.KeyFingerprint(key.Public)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	return &identity{cfg: cfg, cfgPath: cfgPath, dataDir: filepath.Dir(cfgPath), key: key}, nil
}

func idCommand() *cli.Command {
	return &cli.Command{
		Name:  "id",
		Usage: "print this device's peer id, fingerprint and share locator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Usage: "Locator base URL", Value: defaultLocatorBase},
		},
		Action: func(c *cli.Context) error {
			id, err := loadIdentity(c)
			if err != nil {
				return err
			}
			locator, err := session.ShareURL(c.String("base"), id.cfg.PeerID)
			if err != nil {
				return err
			}

			fmt.Printf("Peer ID:         %s\n", id.cfg.PeerID)
			fmt.Printf("Device Name:     %s\n", id.cfg.DeviceName)
			fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(id.cfg.KeyFingerprint))
			fmt.Printf("Locator:         %s\n", locator)
			fmt.Printf("Config File:     %s\n", id.cfgPath)
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list received files",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "Maximum rows to show, 0 for all", Value: 20},
		},
		Action: func(c *cli.Context) error {
			id, err := loadIdentity(c)
			if err != nil {
				return err
			}
			store, _, err := storage.Open(id.dataDir, storage.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			deliveries, err := store.ListDeliveries(c.Int("limit"))
			if err != nil {
				return err
			}
			return ui.PrintDeliveries(os.Stdout, deliveries)
		},
	}
}

func peersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "list peers seen before",
		Action: func(c *cli.Context) error {
			id, err := loadIdentity(c)
			if err != nil {
				return err
			}
			store, _, err := storage.Open(id.dataDir, storage.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			peers, err := store.ListPeers()
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println("No known peers")
				return nil
			}
			for _, peer := range peers {
				fmt.Printf("%s  %-20s %-22s %s\n",
					peer.PeerID, peer.DeviceName, peer.Address, crypto.FormatFingerprint(peer.KeyFingerprint))
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"peerdrop/crypto"
	"peerdrop/discovery"
	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/session"
	"peerdrop/storage"
	"peerdrop/transfer"
	"peerdrop/ui"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "listen, advertise on the LAN and exchange files with one peer",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "share", Aliases: []string{"s"}, Usage: "File to offer (repeatable)"},
			&cli.StringFlag{Name: "join", Aliases: []string{"j"}, Usage: "Locator or peer id to connect to"},
			&cli.BoolFlag{Name: "fetch", Aliases: []string{"f"}, Usage: "Download every remote offer as it arrives"},
			&cli.BoolFlag{Name: "no-discovery", Usage: "Disable mDNS advertisement and lookup"},
			&cli.StringFlag{Name: "transport", Aliases: []string{"t"}, Usage: "Channel transport (tcp, webrtc); overrides the config file"},
			&cli.StringSliceFlag{Name: "ice-server", Usage: "STUN/TURN URL for the webrtc transport (repeatable)"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	id, err := loadIdentity(c)
	if err != nil {
		return err
	}
	cfg := id.cfg
	log := logrus.StandardLogger()
	if name := c.String("transport"); name != "" {
		cfg.Transport = name
	}
	if urls := c.StringSlice("ice-server"); len(urls) > 0 {
		cfg.ICEServers = urls
	}

	codec, err := network.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}
	profile, err := transfer.ParseProfile(cfg.Profile)
	if err != nil {
		return err
	}
	contract, err := session.ParseContract(cfg.Contract)
	if err != nil {
		return err
	}
	store, dbPath, err := storage.Open(id.dataDir, storage.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Database close error")
		}
	}()

	var scanner atomic.Pointer[discovery.PeerScanner]
	lan := network.ResolverFunc(func(ctx context.Context, peerID string) (network.Endpoint, error) {
		s := scanner.Load()
		if s == nil {
			return network.Endpoint{}, fmt.Errorf("%w: %s", network.ErrPeerUnresolved, peerID)
		}
		return s.Resolve(ctx, peerID)
	})

	tr, err := openTransport(cfg, id.key, network.ChainResolver{lan, store}, codec, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.close(); err != nil {
			log.WithError(err).Debug("Transport close error")
		}
	}()

	if !c.Bool("no-discovery") {
		svc, err := discovery.Start(discovery.Config{
			SelfPeerID:     cfg.PeerID,
			DeviceName:     cfg.DeviceName,
			ListeningPort:  tr.port(),
			KeyFingerprint: cfg.KeyFingerprint,
			Logger:         log,
		})
		if err != nil {
			log.WithError(err).Warn("Discovery startup failed")
		} else {
			defer svc.Stop()
			scanner.Store(svc.Scanner)
			go recordDiscoveredPeers(svc.Scanner.Events(), store, log)
		}
	}

	var sess *session.Session
	view := ui.NewProgressView(os.Stderr)
	fetch := c.Bool("fetch")
	tracker := newFetchTracker()

	sess, err = session.New(session.Options{
		LocalID:  cfg.PeerID,
		Adapter:  tr.adapter,
		Policy:   transfer.PolicyFor(profile),
		Contract: contract,
		Sink: &storage.DiskSink{
			Dir:    cfg.DownloadDir,
			Store:  store,
			PeerID: func() string { return sess.RemoteID() },
			Logger: log,
		},
		OpenTimeout: cfg.OpenTimeout(),
		Logger:      log,
		OnStateChange: func(state session.State, remoteID string) {
			fmt.Printf("Status:          %s %s\n", state, remoteID)
			switch {
			case state == session.Disconnected:
				tracker.reset()
			case state == session.Connected && remoteID != "":
				if err := store.UpsertPeer(models.Peer{PeerID: remoteID}); err != nil {
					log.WithError(err).Warn("Could not record peer")
				}
			}
		},
		OnRemoteCatalog: func(files []models.File) {
			_ = ui.PrintCatalog(os.Stdout, "Remote catalog", files)
			if !fetch {
				return
			}

			if wanted := tracker.unrequested(files); len(wanted) > 0 {
				if err := sess.RequestDownload(wanted...); err != nil {
					log.WithError(err).Warn("Download request failed")
				}
			}
		},
		OnProgress: view.Update,
	})
	if err != nil {
		return err
	}
	sess.Start()
	defer sess.Stop()

	if shares := c.StringSlice("share"); len(shares) > 0 {
		files, err := sess.AddPath(shares...)
		if err != nil {
			return err
		}
		_ = ui.PrintCatalog(os.Stdout, "Offering", files)
	}

	locator, err := sess.ShareURL(defaultLocatorBase)
	if err != nil {
		return err
	}
	fmt.Printf("Peer ID:         %s\n", cfg.PeerID)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Listening:       %s (%s)\n", tr.addr, tr.name)
	fmt.Printf("Locator:         %s\n", locator)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadDir)

	if join := c.String("join"); join != "" {
		if err := joinTarget(sess, join); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

// joinTarget accepts either a share locator or a bare peer id.
func joinTarget(sess *session.Session, target string) error {
	ok, err := sess.ConnectFromLocator(target)
	switch {
	case errors.Is(err, session.ErrNoLocator):
		return sess.Connect(target)
	case err != nil:
		return err
	case !ok:
		logrus.Warn("Locator points at this device, ignoring")
	}
	return nil
}

func recordDiscoveredPeers(events <-chan discovery.Event, store *storage.Store, log logrus.FieldLogger) {
	log = log.WithField("component", "discovery")
	for event := range events {
		switch event.Type {
		case discovery.EventPeerUpserted:
			peer := event.Peer
			endpoint, _ := peer.Endpoint()
			if err := store.UpsertPeer(models.Peer{
				PeerID:         peer.PeerID,
				DeviceName:     peer.DeviceName,
				Address:        endpoint.Address,
				KeyFingerprint: peer.KeyFingerprint,
				LastSeen:       peer.LastSeen.UnixMilli(),
			}); err != nil {
				log.WithError(err).Warn("Could not record discovered peer")
				continue
			}
			log.WithFields(logrus.Fields{
				"peer":    peer.PeerID,
				"name":    peer.DeviceName,
				"address": endpoint.Address,
			}).Info("Peer available")
		case discovery.EventPeerRemoved:
			log.WithField("peer", event.Peer.PeerID).Info("Peer removed")
		}
	}
}

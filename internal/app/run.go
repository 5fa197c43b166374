// Package app wires the configured subsystems into a running peer or a
// running signal server. main.go stays a thin command dispatcher.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/call"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/config"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/directory"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/signal"
	"github.com/Virajr7123/Web-Chat-Ver-7.0.1/internal/util"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// ServeOnly runs just the signal server, no peer.
	ServeOnly bool
}

func Run(ctx context.Context, opt Options) error {
	config.ApplyLogLevel(opt.Cfg)

	if opt.ServeOnly {
		return runServer(ctx, opt)
	}
	return runPeer(ctx, opt)
}

func runServer(ctx context.Context, o Options) error {
	cfg := o.Cfg

	dbPath := ""
	if cfg.Signal.DBPath != "" {
		dbPath = util.ResolvePath(o.PeerDir, cfg.Signal.DBPath)
	}

	srv, err := signal.NewServer(signal.ServerOptions{
		Addr:            net.JoinHostPort(cfg.Signal.Bind, strconv.Itoa(cfg.Signal.Port)),
		Secret:          cfg.Signal.Secret,
		DBPath:          dbPath,
		StaleCallWindow: cfg.StaleCallWindow(),
	})
	if err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	log.Infof("signal server listening at %s", srv.URL())

	<-ctx.Done()
	return nil
}

func runPeer(ctx context.Context, o Options) error {
	cfg := o.Cfg

	serverURL := util.NormalizeURL(cfg.Signal.URL)

	// Optionally host the rendezvous alongside the peer.
	if cfg.Signal.Host {
		dbPath := ""
		if cfg.Signal.DBPath != "" {
			dbPath = util.ResolvePath(o.PeerDir, cfg.Signal.DBPath)
		}
		srv, err := signal.NewServer(signal.ServerOptions{
			Addr:            net.JoinHostPort(cfg.Signal.Bind, strconv.Itoa(cfg.Signal.Port)),
			Secret:          cfg.Signal.Secret,
			DBPath:          dbPath,
			StaleCallWindow: cfg.StaleCallWindow(),
		})
		if err != nil {
			return fmt.Errorf("embedded signal server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("embedded signal server: %w", err)
		}
		serverURL = srv.URL()
		log.Infof("embedded signal server at %s", serverURL)
	}

	store := signal.NewRemoteStore(serverURL, cfg.Signal.Secret)
	defer store.Close()

	dir := directory.New(store, o.PeerDir)
	if err := publishProfile(ctx, dir, cfg, o.PeerDir); err != nil {
		return err
	}

	mgr := call.NewManager(call.ManagerOptions{
		Store:     store,
		SelfID:    cfg.Identity.UserID,
		Directory: dir,
		Factory: call.NewSessionFactory(call.FactoryOptions{
			ICEServers: cfg.Media.ICEServers,
			Constraints: call.MediaConstraints{
				Video: call.VideoConstraints{
					MaxWidth:  cfg.Media.MaxWidth,
					MaxHeight: cfg.Media.MaxHeight,
					FrameRate: cfg.Media.FrameRate,
				},
			},
		}),
		Retry:        cfg.RetryPolicy(),
		FreshWindow:  cfg.FreshWindow(),
		AcceptWindow: cfg.AcceptWindow(),
	})
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("call manager: %w", err)
	}
	defer mgr.Close()

	// Log level follows config edits without a restart.
	stopWatch, err := config.Watch(o.CfgPath, func(c config.Config) {
		config.ApplyLogLevel(c)
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	console := newConsole(mgr, os.Stdin, os.Stdout)
	go console.run(ctx)

	log.Infof("peer %s (%s) ready", cfg.Identity.UserID, cfg.Identity.DisplayName)
	<-ctx.Done()
	return nil
}

// publishProfile announces the local identity under users/{id}, retrying
// while the websocket link comes up.
func publishProfile(ctx context.Context, dir *directory.Directory, cfg config.Config, peerDir string) error {
	u := directory.User{
		ID:    cfg.Identity.UserID,
		Name:  cfg.Identity.DisplayName,
		Email: cfg.Identity.Email,
	}

	if cfg.Identity.AvatarFile != "" {
		path := util.ResolvePath(peerDir, cfg.Identity.AvatarFile)
		if data, err := os.ReadFile(path); err == nil {
			sum := sha256.Sum256(data)
			u.Avatar = hex.EncodeToString(sum[:])
			if cache := dir.Avatars(); cache != nil {
				if err := cache.Put(u.ID, u.Avatar, data); err != nil {
					log.Debugf("avatar cache: %v", err)
				}
			}
		} else {
			log.Warnf("avatar file unreadable, publishing without: %v", err)
		}
	}

	policy := util.RetryPolicy{Attempts: 20, Backoff: 250 * time.Millisecond, MaxBackoff: 2 * time.Second}
	if err := policy.Do(ctx, func() error { return dir.Publish(ctx, u) }); err != nil {
		return fmt.Errorf("publish profile: %w", err)
	}
	return nil
}

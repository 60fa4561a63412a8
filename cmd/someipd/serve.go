package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/eshenhu/someip/config"
	"github.com/eshenhu/someip/router"
	"github.com/eshenhu/someip/sd"
	"github.com/eshenhu/someip/someip"
	"github.com/eshenhu/someip/transport"
)

func ServeCmd() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "serve the configured services and announce them",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config",
				Value: "/etc/someipd.toml",
				Usage: "configuration file",
			},
		},
		Action: func(c *cli.Context) {
			if err := serve(c); err != nil {
				logrus.WithError(err).Fatalf("Error running serve command")
			}
		},
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log, err := someip.NewLoggerWithLevel(os.Stderr, cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log_level")
	}

	r := router.NewRouter(log)
	r.RegisterService(someip.DispatcherServiceID, router.PingResponder{Log: log})
	for _, s := range cfg.Services {
		r.RegisterService(someip.ServiceID(s.ServiceID), echoService(s, log))
	}

	srv := transport.NewServer(cfg.TCP.Addr, r, log)
	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	ep, err := sd.Listen(cfg.SD.Endpoint(), log)
	if err != nil {
		srv.Shutdown()
		return err
	}
	reg := sd.NewRegistry(sd.NewSessions(), ep, log)

	ctx, cancel := context.WithCancel(context.Background())
	discovered := make(chan error, 1)
	go func() { discovered <- ep.Serve(ctx, sd.NewDecoder(reg, log)) }()

	if err := offer(reg, cfg); err != nil {
		log.Errorf("offering services: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Infof("Received %v, shutting down", s)
	case err = <-served:
		log.Errorf("tcp server stopped: %v", err)
	case err = <-discovered:
		log.Errorf("sd endpoint stopped: %v", err)
	}

	err = multierr.Combine(
		ignoreClosed(err),
		reg.WithdrawAll(),
		srv.Shutdown(),
	)
	cancel()
	return multierr.Append(err, ep.Close())
}

func offer(reg *sd.Registry, cfg config.Config) error {
	port, err := cfg.TCP.AdvertisedPort()
	if err != nil {
		return err
	}
	ip := net.ParseIP(cfg.TCP.Advertise)

	var errs error
	for _, s := range cfg.Services {
		proto, err := s.TransportProtocol()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		local := sd.LocalService{ServiceKey: s.Key(), Protocol: proto, IP: ip, Port: port}
		errs = multierr.Append(errs, reg.OfferLocal(local))
	}
	return errs
}

// echoService answers the configured methods with the request payload.
func echoService(s config.ServiceConfig, log someip.Logger) *router.ServeMux {
	mux := router.NewServeMux(log)
	for _, id := range s.Echo {
		mux.HandleFunc(someip.MemberID(id), func(w router.ResponseWriter, m *someip.InputMessage) {
			if m.MessageType() != someip.MsgTypeRequest {
				return
			}
			reply := someip.CreateMethodReturn(m)
			defer reply.Release()
			reply.Write(m.Payload())
			if err := w.WriteMsg(reply); err != nil {
				log.Debugf("echo reply to %s: %v", w.RemoteAddr(), err)
			}
		})
	}
	return mux
}

func ignoreClosed(err error) error {
	if errors.Cause(err) == transport.ErrServerClosed {
		return nil
	}
	return err
}

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/eshenhu/someip/config"
	"github.com/eshenhu/someip/sd"
	"github.com/eshenhu/someip/someip"
	"github.com/eshenhu/someip/transport"
)

func FindCmd() cli.Command {
	return cli.Command{
		Name:      "find",
		Usage:     "look for instances of a service and print their offers",
		UsageText: "someipd find --service 0x1234",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config",
				Usage: "configuration file for the SD socket, defaults when empty",
			},
			cli.StringFlag{
				Name:  "service",
				Usage: "service id, decimal or 0x prefixed",
			},
			cli.DurationFlag{
				Name:  "timeout",
				Value: 3 * time.Second,
			},
		},
		Action: func(c *cli.Context) {
			if err := find(c); err != nil {
				logrus.WithError(err).Fatalf("Error running find command")
			}
		},
	}
}

func PingCmd() cli.Command {
	return cli.Command{
		Name:  "ping",
		Usage: "measure the round trip to a daemon",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "addr",
				Value: "localhost:30509",
			},
			cli.IntFlag{
				Name:  "count",
				Value: 3,
			},
			cli.DurationFlag{
				Name:  "timeout",
				Value: 2 * time.Second,
			},
		},
		Action: func(c *cli.Context) {
			if err := ping(c); err != nil {
				logrus.WithError(err).Fatalf("Error running ping command")
			}
		},
	}
}

func loadOrDefault(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func commandLogger() someip.Logger {
	l := logrus.StandardLogger()
	l.SetOutput(os.Stderr)
	return l
}

// printer prints every availability change of the watched service.
type printer struct{}

func (printer) OnServiceAvailable(s sd.RemoteService) {
	fmt.Printf("0x%04x instance %d version %d.%d at %s (from %v)\n",
		s.ServiceID, s.InstanceID, s.MajorVersion, s.MinorVersion, s.Endpoint.String(), s.Source)
}

func (printer) OnServiceUnavailable(k sd.ServiceKey) {
	fmt.Printf("0x%04x instance %d withdrawn\n", k.ServiceID, k.InstanceID)
}

func find(c *cli.Context) error {
	id, err := strconv.ParseUint(c.String("service"), 0, 16)
	if err != nil {
		return errors.Wrap(err, "--service")
	}
	cfg, err := loadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	log := commandLogger()

	ep, err := sd.Listen(cfg.SD.Endpoint(), log)
	if err != nil {
		return err
	}
	defer ep.Close()

	reg := sd.NewRegistry(sd.NewSessions(), ep, log)
	reg.Watch(someip.ServiceID(id), printer{})

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- ep.Serve(ctx, sd.NewDecoder(reg, log)) }()

	if err := reg.Find(someip.ServiceID(id)); err != nil {
		return err
	}
	return <-served
}

func ping(c *cli.Context) error {
	client := transport.NewClient(commandLogger(), someip.UnknownClient, c.String("addr"))
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	for i := 0; i < c.Int("count"); i++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
		rtt, err := client.Ping(ctx)
		cancel()
		if err != nil {
			return err
		}
		fmt.Printf("pong from %s: time=%v\n", c.String("addr"), rtt)
	}
	return nil
}

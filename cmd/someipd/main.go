package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	a := cli.NewApp()
	a.Name = "someipd"
	a.Usage = "SOME/IP routing daemon with service discovery"

	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging of the command itself",
		},
	}
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Commands = []cli.Command{
		ServeCmd(),
		FindCmd(),
		PingCmd(),
	}

	if err := a.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

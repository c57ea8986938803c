package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli"

	"github.com/liftbridge-io/topicd/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "topicd"
	app.Usage = "Controller for topic lifecycle across a cluster of brokers"
	app.Version = server.Version
	app.Flags = getFlags()
	app.Action = func(c *cli.Context) error {
		config, err := server.NewConfig(c.String("config"))
		if err != nil {
			return err
		}
		if err := applyFlags(c, config); err != nil {
			return err
		}

		server := server.New(config)
		if err := server.Start(); err != nil {
			return err
		}
		runtime.Goexit()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyFlags overrides file settings with flags that were set explicitly.
func applyFlags(c *cli.Context, config *server.Config) error {
	if c.IsSet("server-id") {
		config.Clustering.ServerID = c.String("server-id")
	}
	if c.IsSet("namespace") {
		config.Clustering.Namespace = c.String("namespace")
	}
	if c.IsSet("nats-servers") {
		natsServers, err := normalizeNatsServers(c.StringSlice("nats-servers"))
		if err != nil {
			return err
		}
		config.NATS.Servers = natsServers
	}
	if c.IsSet("embedded-nats") {
		config.EmbeddedNATS = c.Bool("embedded-nats")
	}
	if c.IsSet("data-dir") {
		config.DataDir = c.String("data-dir")
	}
	if c.IsSet("port") {
		config.Port = c.Int("port")
	}
	if c.IsSet("level") {
		level, err := server.GetLogLevel(c.String("level"))
		if err != nil {
			return err
		}
		config.LogLevel = level
	}
	if c.IsSet("raft-bootstrap-seed") {
		config.Clustering.RaftBootstrapSeed = c.Bool("raft-bootstrap-seed")
	}
	if c.IsSet("raft-bootstrap-peers") {
		config.Clustering.RaftBootstrapPeers = c.StringSlice("raft-bootstrap-peers")
	}
	if c.IsSet("disable-topic-deletion") {
		config.Deletion.Enable = !c.Bool("disable-topic-deletion")
	}
	return nil
}

// normalizeNatsServers splits comma-separated server lists and trims
// whitespace so that every flag form yields a flat list of URLs.
func normalizeNatsServers(natsServers []string) ([]string, error) {
	var normalized []string
	for _, arg := range natsServers {
		for _, url := range strings.Split(arg, ",") {
			url = strings.TrimSpace(url)
			if url == "" {
				return nil, fmt.Errorf("empty NATS server in %q", arg)
			}
			normalized = append(normalized, url)
		}
	}
	return normalized, nil
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "server-id, id",
			Usage: "ID of the server in the cluster if there is no stored ID",
		},
		cli.StringFlag{
			Name:  "namespace, ns",
			Usage: "cluster namespace",
			Value: server.DefaultNamespace,
		},
		cli.StringSliceFlag{
			Name:  "nats-servers, n",
			Usage: fmt.Sprintf("connect to NATS cluster at `ADDR[,ADDR]` (default: %q)", nats.DefaultURL),
		},
		cli.BoolFlag{
			Name:  "embedded-nats, e",
			Usage: "run a NATS server embedded in this process",
		},
		cli.StringFlag{
			Name:  "data-dir, d",
			Usage: "store data in `DIR` (default: \"/tmp/topicd/<namespace>\")",
		},
		cli.IntFlag{
			Name:  "port, p",
			Usage: "port to serve health checks on",
			Value: server.DefaultPort,
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
			Value: "info",
		},
		cli.BoolFlag{
			Name:  "raft-bootstrap-seed",
			Usage: "bootstrap the Raft cluster by electing self as leader if there is no existing state",
		},
		cli.StringSliceFlag{
			Name:  "raft-bootstrap-peers",
			Usage: "bootstrap the Raft cluster with the provided list of peer IDs if there is no existing state",
		},
		cli.BoolFlag{
			Name:  "disable-topic-deletion",
			Usage: "seed the topic deletion capability as disabled when the cluster has no setting yet",
		},
	}
}

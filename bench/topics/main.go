package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/urfave/cli"

	"github.com/liftbridge-io/topicd/bench/common"
	"github.com/liftbridge-io/topicd/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "topicd-bench-topics"
	app.Usage = "Measure topic create and delete latency against a topicd cluster"
	app.Flags = getFlags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringSliceFlag{
			Name:  "nats-servers, n",
			Usage: "NATS server addresses",
		},
		cli.StringFlag{
			Name:  "namespace",
			Usage: "Cluster namespace",
			Value: server.DefaultNamespace,
		},
		cli.IntFlag{
			Name:  "topics, t",
			Usage: "Number of topics to create and delete",
			Value: 100,
		},
		cli.IntFlag{
			Name:  "partitions, p",
			Usage: "Partitions per topic",
			Value: 1,
		},
		cli.StringSliceFlag{
			Name:  "replicas, r",
			Usage: "Broker ids to assign each partition to",
		},
		cli.IntFlag{
			Name:  "concurrent, c",
			Usage: "Number of concurrent workers",
			Value: 1,
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "Per-operation timeout",
			Value: 10 * time.Second,
		},
		cli.BoolFlag{
			Name:  "enable-deletion",
			Usage: "Enable topic deletion before benchmarking",
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "Output format: text, json",
			Value: "text",
		},
	}
}

func run(c *cli.Context) error {
	servers := splitList(c.StringSlice("nats-servers"))
	if len(servers) == 0 {
		servers = []string{nats.DefaultURL}
	}
	replicas := splitList(c.StringSlice("replicas"))
	if len(replicas) == 0 {
		return fmt.Errorf("at least one replica is required")
	}
	numTopics := c.Int("topics")
	partitions := c.Int("partitions")
	if numTopics <= 0 || partitions <= 0 {
		return fmt.Errorf("topics and partitions must be > 0")
	}
	concurrent := c.Int("concurrent")
	if concurrent <= 0 {
		concurrent = 1
	}
	timeout := c.Duration("timeout")

	nc, err := nats.Connect(strings.Join(servers, ","))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()
	client := common.NewAdminClient(nc, c.String("namespace"))

	if c.Bool("enable-deletion") {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := client.SetTopicDeletionEnabled(ctx, true)
		cancel()
		if err != nil {
			return err
		}
	}

	assignment := make(map[int32][]string, partitions)
	for i := 0; i < partitions; i++ {
		// Rotate the preferred leader across partitions.
		rotated := append(append([]string{}, replicas[i%len(replicas):]...), replicas[:i%len(replicas)]...)
		assignment[int32(i)] = rotated
	}

	prefix := "bench-" + nuid.Next()
	topics := make([]string, numTopics)
	for i := range topics {
		topics[i] = fmt.Sprintf("%s-%d", prefix, i)
	}

	fmt.Printf("Creating %d topic(s) with %d partition(s) on %v...\n", numTopics, partitions, replicas)
	created := common.NewStats()
	runOps(topics, concurrent, created, func(topic string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return client.CreateTopic(ctx, topic, assignment)
	})

	fmt.Printf("Deleting %d topic(s)...\n", numTopics)
	deleted := common.NewStats()
	runOps(topics, concurrent, deleted, func(topic string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return client.DeleteTopic(ctx, topic)
	})

	return common.PrintResults(os.Stdout, []common.OpResult{
		common.NewOpResult("CreateTopic", created),
		common.NewOpResult("DeleteTopic", deleted),
	}, c.String("output"))
}

func runOps(topics []string, concurrent int, stats *common.Stats, op func(string) error) {
	var (
		wg    sync.WaitGroup
		work  = make(chan string)
		logMu sync.Mutex
	)
	stats.Start()
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for topic := range work {
				start := time.Now()
				if err := op(topic); err != nil {
					stats.RecordError()
					logMu.Lock()
					fmt.Fprintf(os.Stderr, "%s: %v\n", topic, err)
					logMu.Unlock()
					continue
				}
				stats.RecordSuccess(time.Since(start))
			}
		}()
	}
	for _, topic := range topics {
		work <- topic
	}
	close(work)
	wg.Wait()
	stats.Stop()
}

func splitList(values []string) []string {
	var result []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

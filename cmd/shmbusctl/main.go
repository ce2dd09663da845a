// Command shmbusctl publishes, sends and inspects shmbus traffic from the shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/urfave/cli"

	"github.com/srediag/shmbus/pkg/bridge"
	"github.com/srediag/shmbus/pkg/bus"
	"github.com/srediag/shmbus/pkg/shm"
)

func config(c *cli.Context) (bridge.Config, error) {
	cfg, err := bridge.LoadConfig()
	if err != nil {
		return cfg, err
	}
	if s := c.GlobalString("scope"); s != "" {
		cfg.Scope = s
	}
	if n := c.GlobalString("name"); n != "" {
		cfg.Name = n
	}
	return cfg, bridge.VerifyConfig(cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func publishCommand(c *cli.Context) (err error) {
	cfg, err := config(c)
	if err != nil {
		return err
	}
	if r := c.String("region"); r != "" {
		cfg.Region = r
	}
	ctx, cancel := signalContext()
	defer cancel()

	conn, err := bridge.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	producer, err := bridge.NewProducer(ctx, conn, cfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	if err = producer.Publish(ctx, int32(c.Int("cmd")), []byte(c.Args().First())); err != nil {
		return err
	}
	fmt.Printf("published %s to %s\n", cfg.Region, cfg.Name)

	// the region is unlinked on exit, give the consumer time to map it
	select {
	case <-time.After(c.Duration("hold")):
	case <-ctx.Done():
	}
	return nil
}

func sendCommand(c *cli.Context) (err error) {
	cfg, err := config(c)
	if err != nil {
		return err
	}
	conn, err := bus.Open(cfg.BusScope())
	if err != nil {
		return err
	}
	defer conn.Close()

	dest := c.String("dest")
	if dest == "" {
		dest = cfg.Name
	}
	return bus.NewSender(conn).Send(bus.Call{
		Destination: dest,
		Path:        c.String("path"),
		Interface:   c.String("interface"),
		Member:      c.String("member"),
		CommandType: int32(c.Int("cmd")),
		Payload:     []byte(c.Args().First()),
	})
}

func listenCommand(c *cli.Context) (err error) {
	cfg, err := config(c)
	if err != nil {
		return err
	}
	conn, err := bus.Initialize(cfg.BusScope(), cfg.Name, dbus.RequestNameFlags(cfg.NameFlags))
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return err
	}
	defer conn.Close()

	ctx, cancel := signalContext()
	defer cancel()
	listener := bus.NewListener(conn, bus.WithPollInterval(cfg.PollInterval))
	filter := bus.Filter{Interface: c.String("interface"), Method: c.String("member")}
	buf := make([]byte, bus.MaxPayloadSize)
	limit := c.Int("count")
	for received := 0; limit <= 0 || received < limit; received++ {
		cmd, n, err := listener.ListenContext(ctx, filter, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%d\t%s\n", cmd, buf[:n])
	}
	return nil
}

func inspectCommand(c *cli.Context) (err error) {
	cfg, err := config(c)
	if err != nil {
		return err
	}
	name := c.Args().First()
	if name == "" {
		name = cfg.Region
	}
	size := c.Int("size")
	if size <= 0 {
		size = cfg.RegionSize
	}
	ctx := context.Background()
	region, err := shm.Open(ctx, name, size)
	if err != nil {
		return err
	}
	defer region.Close()

	buf := make([]byte, region.Size())
	if _, err = region.Read(ctx, buf); err != nil {
		return err
	}
	fmt.Println(bridge.Delivery{Region: name, Data: buf}.Text())
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "shmbusctl"
	app.Usage = "publish, send and inspect shared memory announcements on the message bus"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "scope, s",
			Usage: "bus to use: session, system or starter (overrides SHMBUS_SCOPE)",
		},
		cli.StringFlag{
			Name:  "name, n",
			Usage: "well-known bus name (overrides SHMBUS_NAME)",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:      "publish",
			Usage:     "Write DATA to a shared memory region and announce it",
			ArgsUsage: "DATA",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "cmd, c", Usage: "command type sent with the announcement"},
				cli.StringFlag{Name: "region, r", Usage: "region name (overrides SHMBUS_REGION)"},
				cli.DurationFlag{Name: "hold", Value: time.Second, Usage: "keep the region alive this long after announcing"},
			},
			Action: publishCommand,
		},
		cli.Command{
			Name:      "send",
			Usage:     "Send a single method call carrying PAYLOAD",
			ArgsUsage: "PAYLOAD",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "dest, d", Usage: "destination bus name, defaults to --name"},
				cli.StringFlag{Name: "path, p", Usage: "object path, derived from the destination when empty"},
				cli.StringFlag{Name: "interface, i", Usage: "interface, defaults to the destination"},
				cli.StringFlag{Name: "member, m", Value: "Publish", Usage: "method name"},
				cli.IntFlag{Name: "cmd, c", Usage: "command type"},
			},
			Action: sendCommand,
		},
		cli.Command{
			Name:  "listen",
			Usage: "Own the bus name and print received calls",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "interface, i", Usage: "only accept calls on this interface"},
				cli.StringFlag{Name: "member, m", Usage: "only accept calls to this method"},
				cli.IntFlag{Name: "count", Usage: "stop after this many calls, 0 runs until interrupted"},
			},
			Action: listenCommand,
		},
		cli.Command{
			Name:      "inspect",
			Usage:     "Print the text stored in a shared memory region",
			ArgsUsage: "[REGION]",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "size", Usage: "region size (overrides SHMBUS_REGION_SIZE)"},
			},
			Action: inspectCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

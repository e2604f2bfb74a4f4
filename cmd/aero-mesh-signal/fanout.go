package main

import (
	"fmt"
	"math/rand"
	"text/tabwriter"

	"github.com/pion/randutil"
	"github.com/urfave/cli/v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fanout"
)

func fanoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "fanout",
		Usage: "Print the gossip fan-out for a mesh size and optionally simulate it",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "peers", Aliases: []string{"n"}, Usage: "number of peers", Required: true},
			&cli.IntFlag{Name: "nines", Usage: "reliability target in nines (unset uses the default fan-out)"},
			&cli.IntFlag{Name: "trials", Usage: "random overlays to simulate (0 skips simulation)"},
			&cli.Int64Flag{Name: "seed", Usage: "simulation seed (0 picks one at random)"},
		},
		Action: runFanout,
	}
}

func runFanout(c *cli.Context) error {
	n := c.Int("peers")
	if n < 0 {
		return cli.Exit("--peers must be >= 0", 2)
	}
	var nines *int
	if c.IsSet("nines") {
		v := c.Int("nines")
		if v < 0 {
			return cli.Exit("--nines must be >= 0", 2)
		}
		nines = &v
	}

	k := fanout.Compute(n, nines)
	fmt.Fprintf(c.App.Writer, "peers=%d fanout=%d\n", n, k)

	trials := c.Int("trials")
	if trials <= 0 {
		return nil
	}

	var src fanout.Source = randutil.NewMathRandomGenerator()
	if seed := c.Int64("seed"); seed != 0 {
		src = rand.New(rand.NewSource(seed))
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "trial\treached\trounds\tmessages")
	complete := 0
	for i := 0; i < trials; i++ {
		r := fanout.Simulate(src, n, k)
		if r.Complete() {
			complete++
		}
		fmt.Fprintf(tw, "%d\t%d/%d\t%d\t%d\n", i+1, r.Reached, r.Peers, r.Rounds, r.Messages)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "complete=%d/%d\n", complete, trials)
	return nil
}

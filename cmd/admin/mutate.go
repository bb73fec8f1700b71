package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"citystream.ai/internal/protocol"
	"citystream.ai/internal/sim/tuning"
	"citystream.ai/internal/transport/multicast"
)

func mutateCmd(args []string) {
	fs := flag.NewFlagSet("mutate", flag.ExitOnError)
	addr := fs.String("addr", "", "destination group or host:port (default from tuning mutations.multicast)")
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	cellStr := fs.String("cell", "", "cell key cx,cz (required)")
	index := fs.Uint("index", 0, "placement index within the cell")
	archetype := fs.Uint("archetype", 0, "archetype id")
	jitter := fs.Float64("jitter", 1, "uniform scale factor in [0.9, 1.1]")
	ttl := fs.Int("ttl", 1, "multicast ttl")
	loopback := fs.Bool("loopback", true, "deliver to listeners on this host")
	_ = fs.Parse(args)

	k, err := parseKey(*cellStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -cell:", err)
		os.Exit(2)
	}
	if *index > 0xFFFFFFFF || *archetype > 0xFFFF {
		fmt.Fprintln(os.Stderr, "-index must fit in 32 bits and -archetype in 16")
		os.Exit(2)
	}

	dst := strings.TrimSpace(*addr)
	if dst == "" {
		tune, err := tuning.Load(*tuningPath)
		if err != nil {
			tune = tuning.Defaults()
		}
		dst = tune.Mutations.Multicast
	}
	if dst == "" || dst == "off" {
		fmt.Fprintln(os.Stderr, "no destination; provide -addr")
		os.Exit(2)
	}

	m := protocol.Mutation{
		Key:         k,
		Index:       uint32(*index),
		ArchetypeID: uint16(*archetype),
		JitterCode:  protocol.JitterCodeFor(float32(*jitter)),
	}
	pub, err := multicast.DialPublisher(dst, *ttl, *loopback)
	if err != nil {
		fail("dial", err)
	}
	defer pub.Close()
	if err := pub.Publish(m); err != nil {
		fail("publish", err)
	}
	fmt.Printf("sent cell=%s index=%d archetype=%d jitter=%.4f to %s\n", k, m.Index, m.ArchetypeID, m.Jitter(), dst)
}

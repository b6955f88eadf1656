package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/logflow/simlog/internal/model"
	"github.com/logflow/simlog/internal/pipe"
	"github.com/logflow/simlog/pkg/eventlog"
	"github.com/logflow/simlog/pkg/events"
	"github.com/logflow/simlog/pkg/ids"
	"github.com/logflow/simlog/pkg/tui"
)

// Inspect flags
var (
	idsCategory    string
	idsLimit       int
	idsConvertTo   string
	idsCompression string

	eventKinds  []string
	eventLimit  int
	eventsCount bool
	eventsMerge string
)

var idsCmd = &cobra.Command{
	Use:   "ids <snapshot>",
	Short: "Inspect an identifier snapshot",
	Long: `Print the categories of an identifier snapshot and their sizes, or list the
identifiers of one category.

Examples:
  simlog ids berlin.ids.binpb
  simlog ids berlin.ids.binpb --category person --limit 20
  simlog ids berlin.ids.binpb --convert plain.ids.binpb --compression none`,
	Args: cobra.ExactArgs(1),
	RunE: runIDs,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print, count or merge the events of a run",
	Long: `Read the shards of a run in merged order.

Examples:
  simlog events --dir output/1pct --shards 12 --limit 50
  simlog events --dir output/1pct --shards 12 --kind actstart,actend
  simlog events --dir output/1pct --shards 12 --count
  simlog events --dir output/1pct --shards 12 --merge merged-0.binpb.zst`,
	RunE: runEvents,
}

func init() {
	idsCmd.Flags().StringVar(&idsCategory, "category", "", "List identifiers of this category")
	idsCmd.Flags().IntVar(&idsLimit, "limit", 0, "Maximum identifiers to list (0 = all)")
	idsCmd.Flags().StringVar(&idsConvertTo, "convert", "", "Write the snapshot to this path")
	idsCmd.Flags().StringVar(&idsCompression, "compression", "lz4", "Compression for --convert (none, lz4)")

	eventsCmd.Flags().StringVarP(&inputDir, "dir", "d", "", "Run directory")
	eventsCmd.Flags().StringVar(&streamName, "stream", "", "Event stream name")
	eventsCmd.Flags().IntVarP(&shardCount, "shards", "n", 0, "Number of event shards")
	eventsCmd.Flags().StringVar(&extension, "ext", "", "Shard extension (binpb, binpb.zst)")
	eventsCmd.Flags().StringVar(&idsPath, "ids", "", "Identifier snapshot (default: <dir>/*.ids.binpb)")
	eventsCmd.Flags().StringSliceVarP(&eventKinds, "kind", "k", nil, "Only these kinds (actstart, actend, departure, ...)")
	eventsCmd.Flags().IntVar(&eventLimit, "limit", 0, "Stop after this many printed events (0 = all)")
	eventsCmd.Flags().BoolVar(&eventsCount, "count", false, "Only count events per kind")
	eventsCmd.Flags().StringVar(&eventsMerge, "merge", "", "Write the merged stream to one shard file")
}

// errLimit stops a replay once --limit events were printed.
var errLimit = errors.New("event limit reached")

func parseCategory(s string) (ids.Category, error) {
	for c := ids.CategoryString; c <= ids.CategoryFloat; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ids.Category(n), nil
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

func runIDs(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	reg, err := ids.Load(args[0])
	if err != nil {
		return err
	}

	if idsConvertTo != "" {
		compression := ids.ParseCompression(idsCompression)
		if err := reg.Save(idsConvertTo, compression); err != nil {
			return err
		}
		logger.Info("snapshot written", "path", idsConvertTo, "compression", compression)
		return nil
	}

	if idsCategory != "" {
		category, err := parseCategory(idsCategory)
		if err != nil {
			return err
		}
		n := reg.Len(category)
		if idsLimit > 0 && idsLimit < n {
			n = idsLimit
		}
		rows := make([][]string, 0, n)
		for h := 0; h < n; h++ {
			id, err := reg.Resolve(category, uint64(h))
			if err != nil {
				return err
			}
			rows = append(rows, []string{strconv.Itoa(h), reg.External(id)})
		}
		tui.PrintTable(os.Stdout, strings.ToUpper(category.String()), []string{"handle", "id"}, rows)
		return nil
	}

	var rows [][]string
	for _, c := range reg.Categories() {
		rows = append(rows, []string{strconv.FormatUint(uint64(c), 10), c.String(), strconv.Itoa(reg.Len(c))})
	}
	tui.PrintTable(os.Stdout, args[0], []string{"type", "category", "identifiers"}, rows)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	path := cfg.Input.IDs
	if path == "" {
		if path, err = pipe.FindIDs(cfg.Input.Dir); err != nil {
			return err
		}
	}
	reg, err := ids.Load(path)
	if err != nil {
		return err
	}

	reader, err := eventlog.Open(cfg.Input.Dir, cfg.Input.Stream, cfg.Input.Shards, reg,
		eventlog.WithExtension(cfg.Input.Extension))
	if err != nil {
		return err
	}
	defer reader.Close()

	bus := events.NewManager()
	kinds := model.Kinds
	if len(eventKinds) > 0 {
		kinds = nil
		for _, name := range eventKinds {
			k, ok := model.ParseKind(name)
			if !ok {
				return fmt.Errorf("unknown event kind %q", name)
			}
			kinds = append(kinds, k)
		}
	}

	switch {
	case eventsMerge != "":
		return mergeEvents(cmd, bus, reader, kinds)
	case eventsCount:
		// Counting needs no handlers; unregistered kinds are still counted.
	default:
		printed := 0
		out := os.Stdout
		for _, k := range kinds {
			err := bus.On(k, func(ev model.Event) error {
				if eventLimit > 0 && printed >= eventLimit {
					return errLimit
				}
				printed++
				_, err := fmt.Fprintln(out, describe(reg, ev))
				return err
			})
			if err != nil {
				return err
			}
		}
	}

	stats, err := bus.Run(cmd.Context(), reader)
	if errors.Is(err, errLimit) {
		return nil
	}
	if err != nil {
		return err
	}

	if eventsCount {
		var rows [][]string
		for _, k := range kinds {
			rows = append(rows, []string{k.String(), strconv.FormatInt(stats.ByKind[k], 10)})
		}
		rows = append(rows, []string{"total", strconv.FormatInt(stats.Events, 10)})
		tui.PrintTable(os.Stdout, "EVENTS", []string{"kind", "count"}, rows)
	}
	return nil
}

// mergeEvents writes the selected kinds of the merged stream as a single
// shard, one step per simulation time.
func mergeEvents(cmd *cobra.Command, bus *events.Manager, reader *eventlog.Reader, kinds []model.Kind) error {
	w, err := eventlog.Create(eventsMerge)
	if err != nil {
		return err
	}

	var (
		step    []model.Event
		time    uint32
		started bool
	)
	flush := func() error {
		if len(step) == 0 {
			return nil
		}
		err := w.WriteStep(time, step...)
		step = step[:0]
		return err
	}

	for _, k := range kinds {
		err := bus.On(k, func(ev model.Event) error {
			if started && ev.SimTime() != time {
				if err := flush(); err != nil {
					return err
				}
			}
			started, time = true, ev.SimTime()
			step = append(step, ev)
			return nil
		})
		if err != nil {
			w.Close()
			return err
		}
	}
	if err := bus.OnFinish(flush); err != nil {
		w.Close()
		return err
	}

	_, runErr := bus.Run(cmd.Context(), reader)
	if err := errors.Join(runErr, w.Close()); err != nil {
		return err
	}
	stats := w.Stats()
	logger.Info("merged stream written", "path", eventsMerge, "steps", stats.Steps, "events", stats.Events)
	return nil
}

// describe renders one event with external identifiers.
func describe(reg *ids.Registry, ev model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s", tui.FormatSimTime(ev.SimTime()), ev.Kind())
	field := func(name string, id ids.ID) {
		fmt.Fprintf(&b, " %s=%s", name, reg.External(id))
	}

	switch e := ev.(type) {
	case model.ActivityStart:
		field("person", e.Person)
		field("link", e.Link)
		field("type", e.ActType)
	case model.ActivityEnd:
		field("person", e.Person)
		field("link", e.Link)
		field("type", e.ActType)
	case model.PersonDeparture:
		field("person", e.Person)
		field("link", e.Link)
		field("mode", e.LegMode)
		field("routing_mode", e.RoutingMode)
	case model.PersonArrival:
		field("person", e.Person)
		field("link", e.Link)
		field("mode", e.LegMode)
	case model.LinkEnter:
		field("link", e.Link)
		field("vehicle", e.Vehicle)
	case model.LinkLeave:
		field("link", e.Link)
		field("vehicle", e.Vehicle)
	case model.PersonEntersVehicle:
		field("person", e.Person)
		field("vehicle", e.Vehicle)
	case model.PersonLeavesVehicle:
		field("person", e.Person)
		field("vehicle", e.Vehicle)
	case model.Travelled:
		field("person", e.Person)
		field("mode", e.Mode)
		fmt.Fprintf(&b, " distance=%g", e.Distance)
	}
	return b.String()
}

// fleetmon-view is a small read-only companion tool: it opens the
// status area a running supervisor publishes and prints the fleet in
// one table, the way an operator would eyeball it from a shell.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

var (
	workDir  = flag.String("work-dir", defaultWorkDir(), "fleetmon working directory")
	asJSON   = flag.Bool("json", false, "dump the site records as JSON instead of a table")
	showTops = flag.Bool("tops", false, "include the seven day transfer-rate maxima")
)

func defaultWorkDir() string {
	if d := os.Getenv("FLEETMON_WORK_DIR"); d != "" {
		return d
	}
	return "/var/lib/fleetmon"
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	fifoDir := filepath.Join(*workDir, "fifo")
	f, err := os.Open(filepath.Join(fifoDir, ssa.StatusAreaFile))
	if err != nil {
		log.Fatalf("no status area under %s - is fleetmon running? (%v)", fifoDir, err)
	}
	defer f.Close()

	recs, err := ssa.ReadSnapshot(f)
	if err != nil {
		log.Fatalf("failed to read status area: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(recs); err != nil {
			log.Fatalf("failed to encode records: %v", err)
		}
		return
	}

	if info, err := ssa.ReadActive(fifoDir); err == nil {
		state := "stale"
		if ssa.Alive(fifoDir) {
			state = "running"
		}
		fmt.Printf("supervisor pid %d (%s), started %s, %d sites\n\n",
			info.PID, state, info.StartTime.Format(time.RFC3339), info.Sites)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tSTATUS\tHOST\tFILES\tBYTES\tRATE\tJOBS\tERRORS\tLAST DATA")
	for i := range recs {
		r := &recs[i]
		printRecord(w, r)
	}
	w.Flush()

	if *showTops {
		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "ALIAS\tTOP RATE (today..6 days ago)")
		for i := range recs {
			r := &recs[i]
			if r.IsGroup() {
				continue
			}
			fmt.Fprintf(tw, "%s\t%v\n", r.Alias, r.TopTransferRate)
		}
		tw.Flush()
	}
}

func printRecord(w *tabwriter.Writer, r *types.SiteRecord) {
	alias := r.Alias
	host := ""
	if r.IsGroup() {
		alias = "[" + alias + "]"
	} else {
		host = r.CurrentEndpoint().Host
	}
	last := "-"
	if !r.LastDataTime.IsZero() {
		last = r.LastDataTime.Format("15:04:05")
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
		alias, r.ConnectStatus, host,
		r.FilesPending, r.BytesPending, r.TransferRate,
		r.JobsInQueue, r.ErrorCounter, last)
}

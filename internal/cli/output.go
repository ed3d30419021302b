// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldlite"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

func (o *DeviceOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *DeviceOptions) printMessage(w io.Writer, subject, verb string) error {
	if o.Format == "json" {
		return o.printJSON(w, map[string]string{"subject": subject, "result": verb})
	}
	_, err := fmt.Fprintf(w, "%s %s\n", subject, verb)
	return err
}

func serverID(r fieldlite.LocalWorkOrder) string {
	if !r.HasServerID() {
		return "-"
	}
	return fmt.Sprint(r.ID)
}

func (o *DeviceOptions) printRecord(w io.Writer, r *fieldlite.LocalWorkOrder) error {
	if o.Format == "json" {
		return o.printJSON(w, r)
	}
	return o.printRecords(w, []fieldlite.LocalWorkOrder{*r})
}

func (o *DeviceOptions) printRecords(w io.Writer, recs []fieldlite.LocalWorkOrder) error {
	if o.Format == "json" {
		if recs == nil {
			recs = []fieldlite.LocalWorkOrder{}
		}
		return o.printJSON(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tSERVER ID\tVERSION\tSYNC\tSTATUS\tPRIORITY\tTITLE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.LocalID, serverID(r), r.Version, r.SyncStatus, r.Status, r.Priority, r.Title)
	}
	return tw.Flush()
}

func (o *DeviceOptions) printQueue(w io.Writer, ops []fieldlite.QueuedOperation) error {
	if o.Format == "json" {
		if ops == nil {
			ops = []fieldlite.QueuedOperation{}
		}
		return o.printJSON(w, ops)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tOPERATION\tSTATE\tREVISION\tSENT\tRETRIES\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%d\t%s\n",
			op.LocalID, op.Operation, op.State, op.Revision, op.Submitted(), op.RetryCount, op.LastError)
	}
	return tw.Flush()
}

func (o *DeviceOptions) printConflicts(w io.Writer, recs []fieldlite.LocalWorkOrder) error {
	if o.Format == "json" {
		if recs == nil {
			recs = []fieldlite.LocalWorkOrder{}
		}
		return o.printJSON(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tSERVER ID\tLOCAL TITLE\tSERVER VERSION\tSERVER TITLE\tSERVER DELETED")
	for _, r := range recs {
		var version int64
		title, deleted := "", false
		if s := r.ConflictSnapshot; s != nil {
			version, title, deleted = s.Version, s.Title, s.Deleted()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\n", r.LocalID, serverID(r), r.Title, version, title, deleted)
	}
	return tw.Flush()
}

func (o *DeviceOptions) printReport(w io.Writer, r *fieldlite.SyncReport) error {
	if o.Format == "json" {
		return o.printJSON(w, r)
	}
	_, err := fmt.Fprintf(w, "passes=%d submitted=%d applied=%d conflicts=%d failed=%d poisoned=%d pulled=%d\n",
		r.Passes, r.Submitted, r.Applied, r.Conflicts, r.Failed, r.Poisoned, r.Pulled)
	return err
}

func (o *DeviceOptions) printStats(w io.Writer, st *fieldlite.Stats) error {
	if o.Format == "json" {
		return o.printJSON(w, map[string]any{
			"queued":      st.Queued,
			"ready":       st.Ready,
			"conflicted":  st.Conflicted,
			"poisoned":    st.Poisoned,
			"records":     st.Records,
			"watermark":   st.Watermark,
			"driverState": st.DriverState.String(),
		})
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "queued\t%d (ready %d, conflict %d, poisoned %d)\n", st.Queued, st.Ready, st.Conflicted, st.Poisoned)
	statuses := make([]string, 0, len(st.Records))
	for s := range st.Records {
		statuses = append(statuses, string(s))
	}
	slices.Sort(statuses)
	for _, s := range statuses {
		fmt.Fprintf(tw, "records %s\t%d\n", s, st.Records[fieldsync.SyncStatus(s)])
	}
	wm := "never"
	if !st.Watermark.IsZero() {
		wm = st.Watermark.UTC().Format(time.RFC3339Nano)
	}
	fmt.Fprintf(tw, "watermark\t%s\n", wm)
	fmt.Fprintf(tw, "driver\t%s\n", st.DriverState)
	return tw.Flush()
}

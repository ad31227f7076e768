package main

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/rowjay/bchain/internal/app"
	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/restore"
	"github.com/rowjay/bchain/internal/verify"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.Faint)
)

func printError(err error) {
	failColor.Fprint(os.Stderr, "error: ")
	fmt.Fprintln(os.Stderr, err)
	if hint := apperr.HintOf(err); hint != "" {
		warnColor.Fprintf(os.Stderr, "hint: %s\n", hint)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBackup(res *app.BackupResult) {
	m := res.Manifest
	okColor.Print("backup ")
	fmt.Printf("%s (%s, %d files, %s stored of %s)\n", m.BackupID, m.BackupType, len(m.Files),
		humanize.IBytes(uint64(m.StoredSizeBytes)), humanize.IBytes(uint64(m.TotalSizeBytes)))
	if m.RequestedType != "" && m.RequestedType != m.BackupType {
		warnColor.Printf("  requested %s, ran %s: no valid backup to build on\n", m.RequestedType, m.BackupType)
	}
	if parent := m.Parent(); parent != "" {
		dimColor.Printf("  parent %s, %d files stored, %d referenced\n", parent, len(m.Inline()), len(m.Files)-len(m.Inline()))
	}
	if res.Verification != nil {
		fmt.Printf("  verified %d/%d files\n", res.Verification.Verified, res.Verification.Total)
	}
	for _, id := range res.Pruned {
		dimColor.Printf("  pruned %s\n", id)
	}
}

func printVerify(r *verify.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tPATH\tSTATUS\tHOLDER\tDETAIL")
	for _, f := range r.Files {
		status := string(f.Status)
		if f.Status == verify.StatusOK {
			status = okColor.Sprint(status)
		} else {
			status = failColor.Sprint(status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Service, f.LogicalPath, status, f.Holder, f.Detail)
	}
	w.Flush()
	for _, issue := range r.Issues {
		warnColor.Printf("issue: %s\n", issue)
	}
	summary := fmt.Sprintf("%s: %d verified, %d failed, %d total", r.BackupID, r.Verified, r.Failed, r.Total)
	if r.OK {
		okColor.Println("OK " + summary)
	} else {
		failColor.Println("FAILED " + summary)
	}
}

func printRestore(r *restore.Report) {
	for _, s := range r.Services {
		if s.Err != nil {
			failColor.Printf("%-16s failed  ", s.Service)
			fmt.Println(s.Err)
			continue
		}
		okColor.Printf("%-16s ok      ", s.Service)
		fmt.Printf("%d files in %s\n", s.Files, s.Duration.Round(time.Millisecond))
	}
}

func printList(backups iter.Seq2[manifest.Summary, error]) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKUP ID\tTYPE\tCREATED\tFILES\tSIZE\tSTORED\tENCRYPTED\tPARENT")
	for s, err := range backups {
		if err != nil {
			if s.BackupID == "" {
				w.Flush()
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t\t\t\t\t\t\n", s.BackupID, failColor.Sprint("unreadable"))
			continue
		}
		encrypted := "no"
		if s.Encrypted {
			encrypted = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.BackupID, s.Type, humanize.Time(s.CreatedAt), s.Files,
			humanize.IBytes(uint64(s.TotalSizeBytes)), humanize.IBytes(uint64(s.StoredSizeBytes)),
			encrypted, s.Parent)
	}
	return w.Flush()
}

func printPrune(res *app.PruneResult, dryRun bool) {
	verb := "deleted"
	if dryRun {
		verb = "would delete"
	}
	for _, id := range res.Deleted {
		fmt.Printf("%s %s\n", verb, id)
	}
	for _, id := range res.Orphans {
		fmt.Printf("%s %s (no manifest)\n", verb, id)
	}
	dimColor.Printf("kept %d backups: %s\n", len(res.Kept), strings.Join(res.Kept, ", "))
}

func printChecks(checks []app.Check) {
	for _, c := range checks {
		switch {
		case !c.OK:
			failColor.Print("FAIL ")
		case c.Warn:
			warnColor.Print("WARN ")
		default:
			okColor.Print("OK   ")
		}
		if c.Detail != "" {
			fmt.Printf("%s: %s\n", c.Name, c.Detail)
		} else {
			fmt.Println(c.Name)
		}
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/loykin/consolr/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatusTable(w io.Writer, sts ...client.ServerStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPID\tEXIT\tCPU%\tMEM(MB)\tLINES\tPATH")
	for _, st := range sts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			st.ID, st.Name, st.State.Kind, pidCell(st.State), exitCell(st.State),
			cpuCell(st.Resources), memCell(st.Resources), st.ConsoleLines, st.WorkDir)
	}
	return tw.Flush()
}

func pidCell(s client.ServerState) string {
	if s.PID <= 0 {
		return "-"
	}
	return strconv.Itoa(s.PID)
}

func exitCell(s client.ServerState) string {
	if s.Kind != "exited" {
		return "-"
	}
	if s.ExitCode == nil {
		if s.Reason != "" {
			return s.Reason
		}
		return "?"
	}
	return strconv.Itoa(*s.ExitCode)
}

func cpuCell(u *client.Usage) string {
	if u == nil {
		return "-"
	}
	return strconv.FormatFloat(u.CPUPercent, 'f', 1, 64)
}

func memCell(u *client.Usage) string {
	if u == nil {
		return "-"
	}
	return strconv.FormatFloat(u.MemoryMB, 'f', 1, 64)
}

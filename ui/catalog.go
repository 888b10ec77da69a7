package ui

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"peerdrop/models"
)

// PrintCatalog writes files as an aligned table under a heading.
func PrintCatalog(out io.Writer, title string, files []models.File) error {
	if _, err := fmt.Fprintf(out, "%s (%d)\n", title, len(files)); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tNAME\tSIZE")
	for _, file := range files {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", file.ID, file.Name, FormatBytes(file.Size))
	}
	return tw.Flush()
}

// PrintDeliveries writes received-file history in the order given.
func PrintDeliveries(out io.Writer, deliveries []models.Delivery) error {
	if len(deliveries) == 0 {
		_, err := fmt.Fprintln(out, "No files received yet")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tPEER\tNAME\tSIZE\tPATH")
	for _, d := range deliveries {
		at := time.UnixMilli(d.ReceivedAt).Local().Format(time.DateTime)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", at, d.PeerID, d.Name, FormatBytes(d.Size), d.StoredPath)
	}
	return tw.Flush()
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

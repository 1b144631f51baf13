package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"algo-trace-engine/internal/session"
	"algo-trace-engine/internal/stream"
	"algo-trace-engine/internal/trace"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	fitStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1).Border(lipgloss.RoundedBorder())
)

func wsURL(id string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/sessions/" + url.PathEscape(id) + "/ws"
	return u.String(), nil
}

// watch prints a session's events until the server closes the stream. A
// finished session is reported from the snapshot in the 409 response.
func watch(ctx context.Context, id string) error {
	target, err := wsURL(id)
	if err != nil {
		return err
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("X-API-Key", apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return printFinished(resp)
		}
		if resp != nil {
			return fmt.Errorf("subscribe failed: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("subscribe failed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var ev stream.RawEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}
		if err := render(ev); err != nil {
			return err
		}
	}
}

func printFinished(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var body struct {
		Session *session.Snapshot `json:"session"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Session == nil {
		return errors.New("session already finished")
	}
	snap := body.Session
	fmt.Printf("%s already %s\n", labelStyle.Render("session"), stateStyle(snap.State).Render(string(snap.State)))
	if snap.Error != "" {
		fmt.Println(errStyle.Render(snap.Error))
	}
	if snap.Result != nil && len(snap.Result.Value) > 0 {
		fmt.Printf("%s %s\n", labelStyle.Render("value"), snap.Result.Value)
	}
	if snap.Report != nil {
		printFit("time", snap.Report.Fit.Notation, string(snap.Report.Fit.Model), snap.Report.Fit.Confidence)
		printFit("space", snap.Report.MemoryFit.Notation, string(snap.Report.MemoryFit.Model), snap.Report.MemoryFit.Confidence)
	}
	return nil
}

// render prints one event. Unknown event types are skipped.
func render(ev stream.RawEvent) error {
	switch ev.Type {
	case stream.EventStarted:
		var d session.StartedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		fmt.Printf("%s %s %s on %s\n", labelStyle.Render("started"), d.Kind, d.Language, d.Backend)

	case stream.EventStep:
		var st trace.Step
		if err := json.Unmarshal(ev.Data, &st); err != nil {
			return err
		}
		line := fmt.Sprintf("#%-5d %s", st.Index, st.Description)
		if len(st.Highlights) > 0 {
			line += " [" + strings.Join(st.Highlights, ", ") + "]"
		}
		meta := fmt.Sprintf("  %.2fms", st.Metrics.ElapsedMS)
		if st.Metrics.MemoryBytes > 0 {
			meta += " " + humanize.IBytes(uint64(st.Metrics.MemoryBytes))
		}
		fmt.Println(line + stepStyle.Render(meta))

	case stream.EventBenchmarkProgress:
		var d session.BenchmarkProgressData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		m := d.Point.Measurement
		if m == nil {
			fmt.Printf("%s n=%s all %d trials failed\n", warnStyle.Render("size"), humanize.Comma(int64(d.Size)), d.Point.Trials)
			return nil
		}
		fmt.Printf("%s n=%-8s %8.2fms ± %.2f  %s  (%d/%d ok)\n",
			labelStyle.Render("size"), humanize.Comma(int64(d.Size)),
			m.MeanElapsedMS, m.StdDevElapsedMS, humanize.IBytes(uint64(m.MeanMemoryBytes)),
			d.Point.Succeeded, d.Point.Trials)

	case stream.EventCompleted:
		var d session.CompletedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("completed"))
		if d.Result != nil {
			fmt.Printf("%s %s\n", labelStyle.Render("value"), d.Result.Value)
			fmt.Printf("%s %.2fms, peak %s, %s steps\n", labelStyle.Render("stats"),
				d.Result.ElapsedMS, humanize.IBytes(uint64(d.Result.PeakMemoryBytes)), humanize.Comma(int64(d.Result.Steps)))
		}

	case stream.EventBenchmarkCompleted:
		var d session.BenchmarkCompletedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("benchmark completed"))
		printFit("time", d.ComplexityFit.Notation, string(d.ComplexityFit.Model), d.ComplexityFit.Confidence)
		printFit("space", d.MemoryFit.Notation, string(d.MemoryFit.Model), d.MemoryFit.Confidence)

	case stream.EventFailed:
		var d session.FailedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		msg := "failed: " + d.Error
		if d.Limit != "" {
			msg += " (" + d.Limit + " limit)"
		}
		fmt.Println(errStyle.Render(msg))

	case stream.EventTimedOut:
		var d session.TimedOutData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		fmt.Println(errStyle.Render("timed out: " + d.Error))

	case stream.EventCancelled:
		var d session.CancelledData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return err
		}
		fmt.Println(warnStyle.Render("cancelled: " + d.Reason))
	}
	return nil
}

func printFit(kind, notation, model string, confidence float64) {
	if notation == "" {
		fmt.Println(warnStyle.Render("not enough data to infer " + kind + " complexity"))
		return
	}
	fmt.Println(fitStyle.Render(fmt.Sprintf("%-5s %s  %s  confidence %.0f%%", kind, notation, model, confidence*100)))
}

func stateStyle(s session.State) lipgloss.Style {
	switch s {
	case session.StateCompleted:
		return okStyle
	case session.StateFailed, session.StateTimedOut:
		return errStyle
	case session.StateCancelled:
		return warnStyle
	default:
		return labelStyle
	}
}

type sessionList struct {
	Sessions []session.Snapshot    `json:"sessions"`
	Counts   map[session.State]int `json:"counts"`
	Archived bool                  `json:"archived"`
}

func printSessions(list sessionList) {
	if len(list.Sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, s := range list.Sessions {
		name := s.Language
		if s.AlgorithmID != "" {
			name += "/" + s.AlgorithmID
		}
		fmt.Printf("%s  %-10s %-9s %-20s %s\n",
			s.ID, s.Kind, stateStyle(s.State).Render(fmt.Sprintf("%-9s", s.State)), name, humanize.Time(s.CreatedAt))
	}
	if len(list.Counts) > 0 {
		var parts []string
		for _, st := range []session.State{
			session.StatePending, session.StateRunning, session.StateCompleted,
			session.StateFailed, session.StateTimedOut, session.StateCancelled,
		} {
			if n := list.Counts[st]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", st, n))
			}
		}
		fmt.Println(stepStyle.Render(strings.Join(parts, " ")))
	}
}

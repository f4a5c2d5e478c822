package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline"
	"github.com/FalkorDB/QueryWeaver/agent/pkg/stream"
	"github.com/olekukonko/tablewriter"
)

var errRunFailed = errors.New("run ended with an error")

// streamSummary is what a printed stream leaves for the caller to act on.
type streamSummary struct {
	Confirmation *pipeline.Event
	Failed       bool
	Answer       string
}

type printer struct {
	out io.Writer
}

// printStream renders every segment of dec until the stream ends.
func (p *printer) printStream(dec *stream.Decoder) (streamSummary, error) {
	var sum streamSummary
	for {
		seg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		if seg.Event == nil {
			fmt.Fprintln(p.out, seg.Text)
			continue
		}
		ev := *seg.Event
		switch ev.Type {
		case pipeline.EventDestructiveConfirmation:
			sum.Confirmation = &ev
		case pipeline.EventError:
			sum.Failed = true
		case pipeline.EventAIResponse:
			sum.Answer = ev.Message
		}
		p.printEvent(ev)
	}
}

func (p *printer) printEvent(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventReasoningStep:
		fmt.Fprintf(p.out, "… %s\n", ev.Message)
	case pipeline.EventFinalResult:
		p.printFinalResult(ev)
	case pipeline.EventQueryResult:
		p.printRows(ev.Data)
	case pipeline.EventError:
		fmt.Fprintf(p.out, "error: %s\n", ev.Message)
	case pipeline.EventSchemaRefresh:
		fmt.Fprintf(p.out, "%s [%s]\n", ev.Message, ev.RefreshStatus)
	default:
		fmt.Fprintln(p.out, ev.Message)
	}
}

func (p *printer) printFinalResult(ev pipeline.Event) {
	if ev.IsValid != nil && *ev.IsValid {
		fmt.Fprintf(p.out, "SQL:\n  %v\n", ev.Data)
		if ev.Conf != nil {
			fmt.Fprintf(p.out, "Confidence: %d%%\n", *ev.Conf)
		}
		if ev.Message != "" {
			fmt.Fprintf(p.out, "Explanation: %s\n", ev.Message)
		}
		p.printList("Tables", ev.Exp)
		return
	}
	fmt.Fprintf(p.out, "Could not translate the question: %s\n", ev.Message)
	p.printList("Missing", ev.Miss)
	p.printList("Ambiguities", ev.Amb)
}

func (p *printer) printList(name, list string) {
	items := pipeline.SplitList(list)
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(p.out, "%s:\n", name)
	for _, item := range items {
		fmt.Fprintf(p.out, "  - %s\n", item)
	}
}

// printRows renders decoded result rows as a table with sorted columns.
func (p *printer) printRows(data any) {
	rows, _ := data.([]any)
	if len(rows) == 0 {
		fmt.Fprintln(p.out, "(no rows)")
		return
	}

	colSet := make(map[string]struct{})
	for _, r := range rows {
		if m, ok := r.(map[string]any); ok {
			for k := range m {
				colSet[k] = struct{}{}
			}
		}
	}
	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	table := tablewriter.NewWriter(p.out)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(columns)
	for _, r := range rows {
		m, _ := r.(map[string]any)
		line := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := m[col]; ok && v != nil {
				line[i] = fmt.Sprint(v)
			} else {
				line[i] = "NULL"
			}
		}
		table.Append(line)
	}
	table.Render()
	fmt.Fprintf(p.out, "%d row(s)\n", len(rows))
}

// promptDecision asks the user to confirm a destructive statement. Anything
// other than CONFIRM, including end of input, cancels.
func promptDecision(in io.Reader, out io.Writer) (pipeline.Decision, error) {
	fmt.Fprint(out, "Type CONFIRM to execute or CANCEL to abort: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read decision: %w", err)
	}
	d, err := pipeline.ParseDecision(line)
	if err != nil {
		return pipeline.DecisionCancel, nil
	}
	return d, nil
}

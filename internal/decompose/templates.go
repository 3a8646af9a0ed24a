package decompose

import "github.com/aristath/autopilot/internal/scheduler"

// phase is one step of a decomposition template.
type phase struct {
	name        string
	instruction string
	typ         scheduler.TaskType // empty keeps the parent's type
	split       bool               // files are partitioned across subtasks of this phase
}

// templates lists the phases used for each task type, in execution order.
// Every template has exactly one split phase.
var templates = map[scheduler.TaskType][]phase{
	scheduler.TypeCode: {
		{name: "analyze", instruction: "Analyze the requirements and the existing code", typ: scheduler.TypeResearch},
		{name: "implement", instruction: "Implement the change", split: true},
		{name: "verify", instruction: "Verify the implementation with tests", typ: scheduler.TypeTesting},
	},
	scheduler.TypeDebug: {
		{name: "reproduce", instruction: "Reproduce the failure"},
		{name: "diagnose", instruction: "Identify the root cause"},
		{name: "fix", instruction: "Fix the root cause", split: true, typ: scheduler.TypeCode},
		{name: "verify", instruction: "Confirm the failure no longer occurs", typ: scheduler.TypeTesting},
	},
	scheduler.TypeTesting: {
		{name: "plan", instruction: "List the cases that need coverage"},
		{name: "write", instruction: "Write the tests", split: true},
		{name: "run", instruction: "Run the tests and report failures"},
	},
	scheduler.TypeResearch: {
		{name: "survey", instruction: "Survey the available sources"},
		{name: "investigate", instruction: "Investigate the most relevant sources", split: true},
		{name: "summarize", instruction: "Summarize the findings", typ: scheduler.TypeDocumentation},
	},
	scheduler.TypeAnalytics: {
		{name: "collect", instruction: "Collect the data", split: true},
		{name: "analyze", instruction: "Analyze the collected data"},
		{name: "report", instruction: "Report the results", typ: scheduler.TypeDocumentation},
	},
	scheduler.TypeDocumentation: {
		{name: "outline", instruction: "Outline the document"},
		{name: "draft", instruction: "Draft the content", split: true},
		{name: "review", instruction: "Review the draft for accuracy"},
	},
	scheduler.TypeGeneral: {
		{name: "plan", instruction: "Plan the work"},
		{name: "execute", instruction: "Carry out the plan", split: true},
		{name: "review", instruction: "Review the outcome"},
	},
}

func templateFor(t scheduler.TaskType) []phase {
	if tpl, ok := templates[t]; ok {
		return tpl
	}
	return templates[scheduler.TypeGeneral]
}

// partition splits files into at most n contiguous, non-empty chunks of
// near-equal size. It returns a single empty chunk when there are no files.
func partition(files []string, n int) [][]string {
	if len(files) == 0 || n <= 1 {
		return [][]string{append([]string(nil), files...)}
	}
	if n > len(files) {
		n = len(files)
	}
	chunks := make([][]string, 0, n)
	size, extra := len(files)/n, len(files)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		chunks = append(chunks, append([]string(nil), files[start:end]...))
		start = end
	}
	return chunks
}

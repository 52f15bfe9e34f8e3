package symbolicator

// Frame statuses, one per frame in the response.
const (
	StatusSymbolicated  = "symbolicated"   // resolved to a function
	StatusNoSymbolRange = "missing_symbol" // module known, offset outside debug info
	StatusUnknownModule = "unknown_module" // frame had no module (index -1) or an unusable module identity
	StatusMissingModule = "missing_module" // symbols confirmed absent from all origins
	StatusTimeout       = "timeout"        // module population did not finish within the request deadline
	StatusError         = "error"          // fetch or parse failed for the module
)

// InlineFrame is one recovered inlined call.
type InlineFrame struct {
	Function string `json:"function"`
	File     string `json:"file,omitempty"`
	Line     uint32 `json:"line,omitempty"`
}

// ResolvedFrame mirrors one request frame. Found is true only when the
// offset resolved to a symbol; Status says why when it is false.
type ResolvedFrame struct {
	Frame          int           `json:"frame"`
	Module         string        `json:"module,omitempty"`
	ModuleOffset   string        `json:"module_offset"`
	Found          bool          `json:"found"`
	Status         string        `json:"status"`
	Function       string        `json:"function,omitempty"`
	FunctionOffset string        `json:"function_offset,omitempty"`
	File           string        `json:"file,omitempty"`
	Line           uint32        `json:"line,omitempty"`
	Inlines        []InlineFrame `json:"inlines,omitempty"`
}

// JobResult mirrors one job's stacks, with per-module summaries.
type JobResult struct {
	Stacks [][]ResolvedFrame `json:"stacks"`

	// FoundModules maps "debug_file/debug_id" to whether its symbols
	// were available for this request.
	FoundModules map[string]bool `json:"found_modules"`

	KnownModules   []string `json:"knownModules"`
	MissingModules []string `json:"missingModules"`
}

// Response is the body of a symbolication batch.
type Response struct {
	Results []JobResult `json:"results"`
}

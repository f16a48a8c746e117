package types

// OperationResult is the structured outcome of one package-manager
// invocation. Subprocess failures are reported here, never as panics or
// errors thrown past the operation boundary.
type OperationResult struct {
	Success  bool     `json:"success"`
	ExitCode int      `json:"exit_code"`
	Output   []string `json:"output,omitempty"`
}

// Ok returns a successful result.
func Ok(output []string) OperationResult {
	return OperationResult{Success: true, ExitCode: 0, Output: output}
}

// Failed returns a failed result with the given exit code.
func Failed(exitCode int, output []string) OperationResult {
	return OperationResult{Success: false, ExitCode: exitCode, Output: output}
}

package process

import "fmt"

// Kind classifies a Chunk.
type Kind int

const (
	// Output is one line of combined stdout/stderr, without the newline.
	Output Kind = iota
	// Exit carries the exit code. It is always the last chunk of a run that
	// was not aborted.
	Exit
	// Aborted marks a run stopped by cancellation. Nothing follows it.
	Aborted
	// Error reports a spawn or read failure as text.
	Error
)

func (k Kind) String() string {
	switch k {
	case Output:
		return "output"
	case Exit:
		return "exit"
	case Aborted:
		return "aborted"
	case Error:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Chunk struct {
	Kind     Kind
	Line     string
	ExitCode int
}

// SpawnFailedCode is the exit code reported when the command never started.
const SpawnFailedCode = -1

func errorChunk(err error) Chunk {
	return Chunk{Kind: Error, Line: "Error executing command: " + err.Error()}
}

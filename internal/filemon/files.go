package filemon

// FileReader gives the watcher access to watched files.
type FileReader interface {
	// Resolve returns the cleaned absolute path of an existing regular file.
	Resolve(rawPath string) (string, error)

	// ReadContent returns the full text content of the file at path.
	ReadContent(path string) (string, error)
}

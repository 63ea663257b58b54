package domain

// GenerationRequest is the inbound payload of POST /generate.
type GenerationRequest struct {
	Prompt string `json:"prompt"`
}

// Artifact is a rendered media file after it has been published.
type Artifact struct {
	// Name is the generated file name inside the public directory.
	Name string
	// Path is the location of the published file on the serving filesystem.
	Path string
	// URL is the root-relative URL clients use to fetch the file.
	URL string
}

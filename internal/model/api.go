package model

// ServerStatus is the liveness document served on GET /api.
type ServerStatus struct {
	Status      string  `json:"status"`
	Service     string  `json:"service"`
	Version     string  `json:"version"`
	Connections int     `json:"connections"`
	Uptime      float64 `json:"uptime"`
}

// CommandResponse is the body of pairing and command responses.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

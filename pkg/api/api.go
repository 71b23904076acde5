// Package api contains shared JSON response structs.
// This package is shared between the CLI and the web server.
package api

// Stand represents one stand container in API responses.
type Stand struct {
	Name          string `json:"name"`
	Running       bool   `json:"running"`
	TomcatStatus  string `json:"tomcat_status"`
	TomcatCode    *int   `json:"tomcat_returncode,omitempty"`
	DBAddr        string `json:"db_addr,omitempty"`
	TestToolsPort string `json:"test_tools_port,omitempty"`
	UniPort       string `json:"uni_port,omitempty"`
	UniVersion    string `json:"uni_version,omitempty"`
	ActiveTask    string `json:"active_task,omitempty"`
	LastTask      string `json:"last_task,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// StandsResponse is the response body of GET /api/stands.
type StandsResponse struct {
	Stands []Stand `json:"stands"`
}

// QueuesStatus maps a database server address to the names of tasks
// still waiting in its queue.
type QueuesStatus map[string][]string

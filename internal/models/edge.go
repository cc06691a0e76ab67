package models

// DependencyEdge records that Dependant must be built after Required within
// one (user, project, branch).
type DependencyEdge struct {
	User      string `json:"user"`
	Project   string `json:"project"`
	Branch    string `json:"branch"`
	Dependant string `json:"dependant"`
	Required  string `json:"required"`
}

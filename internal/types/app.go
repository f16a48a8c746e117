package types

// InstalledApp describes one installed user application as reported by the
// package manager. The collection is rebuilt wholesale on every refresh;
// InstanceID disambiguates duplicate rows within one refresh and is not a
// stable identity across refreshes.
type InstalledApp struct {
	InstanceID  string   `json:"instance_id"`
	AppID       string   `json:"app_id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Branch      string   `json:"branch,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Developer   string   `json:"developer,omitempty"`
	Size        string   `json:"size,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// InstalledExtension is an add-on package owned by a parent app.
type InstalledExtension struct {
	InstanceID string `json:"instance_id"`
	ID         string `json:"id"`
	ParentID   string `json:"parent_id"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Branch     string `json:"branch,omitempty"`
}

// InstalledRuntime is a shared dependency package.
type InstalledRuntime struct {
	InstanceID string `json:"instance_id"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Branch     string `json:"branch,omitempty"`
}

// UpdateInfo describes a pending update for one app.
type UpdateInfo struct {
	AppID     string `json:"app_id"`
	Version   string `json:"version"`
	Branch    string `json:"branch,omitempty"`
	Changelog string `json:"changelog,omitempty"`
}

// Dependency is one package an install would fetch, as reported by the
// dependency probe. Sizes are display strings; "Unknown" when the probe
// could not parse them.
type Dependency struct {
	Name          string `json:"name"`
	DownloadSize  string `json:"download_size"`
	InstalledSize string `json:"installed_size"`
}

// InstalledSet is one full refresh of package-manager state.
type InstalledSet struct {
	Apps       []InstalledApp       `json:"apps"`
	Extensions []InstalledExtension `json:"extensions"`
	Runtimes   []InstalledRuntime   `json:"runtimes"`
}

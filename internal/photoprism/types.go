package photoprism

// Album represents a PhotoPrism album
type Album struct {
	UID        string `json:"UID"`
	Title      string `json:"Title"`
	PhotoCount int    `json:"PhotoCount"`
	Type       string `json:"Type"`
	CreatedAt  string `json:"CreatedAt"`
	UpdatedAt  string `json:"UpdatedAt"`
}

// Photo represents a PhotoPrism photo as returned by search endpoints
type Photo struct {
	UID     string `json:"UID"`
	Title   string `json:"Title"`
	TakenAt string `json:"TakenAt"`
	Hash    string `json:"Hash"`
	Width   int    `json:"Width"`
	Height  int    `json:"Height"`
}

// PhotoDetails is the full photo record with its files
type PhotoDetails struct {
	UID       string `json:"UID"`
	DeletedAt string `json:"DeletedAt"`
	Files     []File `json:"Files"`
}

// Deleted reports whether the photo has been archived.
func (d *PhotoDetails) Deleted() bool {
	return d.DeletedAt != ""
}

// PrimaryFile returns the primary file, falling back to the first one.
func (d *PhotoDetails) PrimaryFile() *File {
	for i := range d.Files {
		if d.Files[i].Primary {
			return &d.Files[i]
		}
	}
	if len(d.Files) > 0 {
		return &d.Files[0]
	}
	return nil
}

// File is one file of a photo
type File struct {
	UID         string   `json:"UID"`
	Hash        string   `json:"Hash"`
	Primary     bool     `json:"Primary"`
	Width       int      `json:"Width"`
	Height      int      `json:"Height"`
	Orientation int      `json:"Orientation"`
	Markers     []Marker `json:"Markers"`
}

// Marker represents a face/subject region marker on a photo
type Marker struct {
	UID     string  `json:"UID"`
	FileUID string  `json:"FileUID"`
	Type    string  `json:"Type"`
	Src     string  `json:"Src"`
	Name    string  `json:"Name"`
	SubjUID string  `json:"SubjUID"`
	SubjSrc string  `json:"SubjSrc"`
	X       float64 `json:"X"` // Relative X position (0-1)
	Y       float64 `json:"Y"` // Relative Y position (0-1)
	W       float64 `json:"W"` // Relative width (0-1)
	H       float64 `json:"H"` // Relative height (0-1)
	Invalid bool    `json:"Invalid"`
	Review  bool    `json:"Review"`
}

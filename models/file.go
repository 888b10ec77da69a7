package models

// File is the metadata one peer announces for an offered file.
type File struct {
	ID   string `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
	Size int64  `json:"size" msgpack:"size"`
}

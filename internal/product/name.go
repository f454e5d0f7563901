// Package product parses river-ice archive and raster file names.
package product

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrBadName is returned when a file name does not follow the
// {product}_{country}_{province}_{place}_{YYYYMMDD}_{HHMMSS} layout.
var ErrBadName = errors.New("unrecognised product file name")

const (
	nameLayout = "20060102_150405"
	tiffLayout = "2006:01:02 15:04:05"
)

// Name is a decomposed product file name.
type Name struct {
	Stem     string
	Product  string
	Country  string
	Province string
	Place    string
	Date     string
	Time     string
}

// Parse decomposes a file name or URL. Any directory part and extension is ignored.
func Parse(name string) (Name, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	stem := strings.TrimSuffix(base, path.Ext(base))
	parts := strings.Split(stem, "_")
	if len(parts) < 6 {
		return Name{}, fmt.Errorf("%w: %q", ErrBadName, base)
	}
	n := Name{
		Stem:     stem,
		Product:  parts[0],
		Country:  parts[1],
		Province: parts[2],
		Place:    strings.Join(parts[3:len(parts)-2], "_"),
		Date:     parts[len(parts)-2],
		Time:     parts[len(parts)-1],
	}
	if _, err := n.Timestamp(); err != nil {
		return Name{}, err
	}
	return n, nil
}

// Timestamp returns the acquisition time encoded in the name, in UTC.
func (n Name) Timestamp() (time.Time, error) {
	ts, err := time.Parse(nameLayout, n.Date+"_"+n.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s_%s: %v", ErrBadName, n.Date, n.Time, err)
	}
	return ts, nil
}

// Year is the four-digit acquisition year.
func (n Name) Year() string {
	if len(n.Date) < 4 {
		return ""
	}
	return n.Date[:4]
}

// TIFFDateTime formats the acquisition time as a TIFFTAG_DATETIME value.
func (n Name) TIFFDateTime() string {
	ts, err := n.Timestamp()
	if err != nil {
		return ""
	}
	return ts.Format(tiffLayout)
}

// SourceURL rebuilds the archive URL the raster was extracted from.
func (n Name) SourceURL(ftpRoot string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s.zip",
		strings.TrimRight(ftpRoot, "/"), n.Year(), n.Product, n.Country, n.Province, n.Stem)
}

// TIFFDateTime is a shorthand for Parse(name).TIFFDateTime().
func TIFFDateTime(name string) (string, error) {
	n, err := Parse(name)
	if err != nil {
		return "", err
	}
	return n.TIFFDateTime(), nil
}

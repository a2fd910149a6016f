package record

import (
	"fmt"

	"github.com/google/uuid"
)

// Landsat 8 band roles used for derived indices.
const (
	bandRed   = "B4"
	bandNIR   = "B5"
	bandSWIR1 = "B6"
)

// Derived spectral index names.
const (
	// BandNDVI is the normalized difference vegetation index,
	// (NIR - Red) / (NIR + Red).
	BandNDVI = "NDVI"

	// BandNDMI is the normalized difference moisture index,
	// (NIR - SWIR1) / (NIR + SWIR1).
	BandNDMI = "NDMI"
)

// DeriveIndex computes the named spectral index from the record's bands.
// Pixels where the denominator is zero yield 0.
func DeriveIndex(r *Record, name string) (Band, error) {
	var a, b *Band
	switch name {
	case BandNDVI:
		a, b = r.Band(bandNIR), r.Band(bandRed)
	case BandNDMI:
		a, b = r.Band(bandNIR), r.Band(bandSWIR1)
	default:
		return Band{}, fmt.Errorf("unknown derived band %s", name)
	}
	if a == nil || b == nil {
		return Band{}, fmt.Errorf("deriving %s requires bands missing from record (have %v)", name, r.BandNames())
	}

	data := make([]float32, len(a.Data))
	for i := range data {
		den := a.Data[i] + b.Data[i]
		if den != 0 {
			data[i] = (a.Data[i] - b.Data[i]) / den
		}
	}
	return Band{Name: name, Data: data}, nil
}

// IsDerived reports whether the band name is a computed index rather than a
// raw sensor band.
func IsDerived(name string) bool {
	return name == BandNDVI || name == BandNDMI
}

// Normalize rescales each band's values to [0, 1] in place using per-band
// min-max scaling. Constant bands become all zeros.
func Normalize(r *Record) {
	for i := range r.Bands {
		data := r.Bands[i].Data
		if len(data) == 0 {
			continue
		}
		lo, hi := data[0], data[0]
		for _, v := range data[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		span := hi - lo
		if span == 0 {
			for j := range data {
				data[j] = 0
			}
			continue
		}
		for j := range data {
			data[j] = (data[j] - lo) / span
		}
	}
}

// Process transforms a raw record into its processed form: the keylist bands
// are selected (deriving NDVI/NDMI on demand), normalized, and the record is
// assigned a fresh ID when it has none.
func Process(raw *Record, keylist []string) (*Record, error) {
	out := &Record{ID: raw.ID, Label: raw.Label, Width: raw.Width, Height: raw.Height}
	for _, name := range keylist {
		if b := raw.Band(name); b != nil {
			data := make([]float32, len(b.Data))
			copy(data, b.Data)
			out.Bands = append(out.Bands, Band{Name: b.Name, Data: data})
			continue
		}
		if !IsDerived(name) {
			return nil, fmt.Errorf("band %s not present in record (have %v)", name, raw.BandNames())
		}
		derived, err := DeriveIndex(raw, name)
		if err != nil {
			return nil, err
		}
		out.Bands = append(out.Bands, derived)
	}

	Normalize(out)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	return out, nil
}

package migration

import (
	"testing"

	"github.com/spice-display/corestream/pixmapcache"
)

func samplePayload() Payload {
	return Payload{
		Header: Header{Magic: Magic, Version: Version},
		Body: Body{
			PixmapCacheID:      7,
			PixmapCacheSize:    -1,
			PixmapCacheClients: [pixmapcache.MaxCacheClients]uint64{1, 2, 0, 0},
			PixmapCacheFreezer: true,
			GlzDictID:          3,
			LowBandwidth:       true,
			Surfaces: Surfaces{
				Lossy: []SurfaceLossyEntry{
					{SurfaceID: 1, LossyRect: [4]int32{0, 0, 100, 100}},
				},
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePayload()
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Body.PixmapCacheID != 7 || got.Body.PixmapCacheSize != -1 {
		t.Fatalf("got %+v", got.Body)
	}
	if !got.Body.PixmapCacheFreezer || !got.Body.LowBandwidth {
		t.Fatal("expected freezer and low bandwidth flags to round-trip")
	}
	if len(got.Body.Surfaces.Lossy) != 1 || got.Body.Surfaces.Lossy[0].SurfaceID != 1 {
		t.Fatalf("got surfaces %+v", got.Body.Surfaces)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	p := samplePayload()
	p.Header.Magic = 0xdeadbeef
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected bad-magic rejection")
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	p := samplePayload()
	p.Header.Version = 99
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("expected version rejection")
	}
}

func TestMergeSyncVectorsTakesElementwiseMax(t *testing.T) {
	a := [pixmapcache.MaxCacheClients]uint64{1, 5, 0, 9}
	b := [pixmapcache.MaxCacheClients]uint64{3, 2, 7, 9}
	got := MergeSyncVectors(a, b)
	want := [pixmapcache.MaxCacheClients]uint64{3, 5, 7, 9}
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRestoreSurfacesLossyReconstructsBitForBit(t *testing.T) {
	s := Surfaces{Lossy: []SurfaceLossyEntry{
		{SurfaceID: 1, LossyRect: [4]int32{1, 2, 3, 4}},
		{SurfaceID: 2, LossyRect: [4]int32{5, 6, 7, 8}},
	}}
	created, region := RestoreSurfacesLossy(s)
	if !created[1] || !created[2] {
		t.Fatal("expected both surfaces marked created")
	}
	if region[2] != [4]int32{5, 6, 7, 8} {
		t.Fatalf("got region %v", region[2])
	}
}

func TestRestoreSurfacesLosslessMarksCreatedOnly(t *testing.T) {
	s := Surfaces{Lossless: []uint32{4, 5}}
	created := RestoreSurfacesLossless(s)
	if !created[4] || !created[5] || len(created) != 2 {
		t.Fatalf("got %v", created)
	}
}

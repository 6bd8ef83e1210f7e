package minio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"ppe-monitor/internal/models"
)

func TestEvidenceKeyStableAcrossAttempts(t *testing.T) {
	job := models.FrameJob{
		ID:         "6f1c",
		CameraID:   "cam/2",
		EnqueuedAt: time.UnixMilli(1714557600123),
	}

	want := "evidence/violation-cam_2-1714557600123-6f1c.jpg"
	if got := EvidenceKey(job); got != want {
		t.Errorf("EvidenceKey = %q, want %q", got, want)
	}
	if EvidenceKey(job) != EvidenceKey(job) {
		t.Error("EvidenceKey must be deterministic")
	}
}

func TestReadPolicyCoversEvidenceAndThumbnails(t *testing.T) {
	doc, err := ReadPolicy("violations", evidenceFolder, thumbnailFolder+"/")
	if err != nil {
		t.Fatal(err)
	}

	var policy struct {
		Statement []struct {
			Effect    string
			Principal map[string][]string
			Action    []string
			Resource  []string
		}
	}
	if err := json.Unmarshal([]byte(doc), &policy); err != nil {
		t.Fatalf("Policy is not JSON: %v", err)
	}
	if len(policy.Statement) != 1 {
		t.Fatalf("Expected one statement, got %d", len(policy.Statement))
	}

	st := policy.Statement[0]
	if st.Effect != "Allow" || len(st.Action) != 1 || st.Action[0] != "s3:GetObject" {
		t.Errorf("Unexpected grant %+v", st)
	}
	if p := st.Principal["AWS"]; len(p) != 1 || p[0] != "*" {
		t.Errorf("Expected anonymous principal, got %v", st.Principal)
	}
	want := []string{"arn:aws:s3:::violations/evidence/*", "arn:aws:s3:::violations/thumbnails/*"}
	if len(st.Resource) != len(want) {
		t.Fatalf("Resource = %v, want %v", st.Resource, want)
	}
	for i := range want {
		if st.Resource[i] != want[i] {
			t.Errorf("Resource[%d] = %q, want %q", i, st.Resource[i], want[i])
		}
	}

	// Every returned evidence reference falls under the readable prefix.
	key := EvidenceKey(models.FrameJob{ID: "j", CameraID: "cam-1", EnqueuedAt: time.UnixMilli(1)})
	if !strings.HasPrefix("arn:aws:s3:::violations/"+key, strings.TrimSuffix(want[0], "*")) {
		t.Errorf("Evidence key %q is outside the public prefix", key)
	}
}

func TestObjectURL(t *testing.T) {
	got, err := ObjectURL("http://localhost:9000", "violations", "evidence/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://localhost:9000/violations/evidence/a.jpg" {
		t.Errorf("ObjectURL = %q", got)
	}
}

func TestDecodeFrame(t *testing.T) {
	raw := []byte("jpeg bytes")
	plain := base64.StdEncoding.EncodeToString(raw)

	for _, in := range []string{plain, "data:image/jpeg;base64," + plain} {
		got, err := DecodeFrame(in)
		if err != nil {
			t.Fatalf("DecodeFrame(%q) failed: %v", in, err)
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("DecodeFrame(%q) = %q", in, got)
		}
	}

	if _, err := DecodeFrame("%%%"); err == nil {
		t.Error("Expected error for invalid base64")
	}
	if _, err := DecodeFrame(""); err == nil {
		t.Error("Expected error for empty frame")
	}
}

func TestThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for x := 0; x < 640; x++ {
		img.Set(x, x%480, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}

	thumb, err := Thumbnail(buf.Bytes(), 320)
	if err != nil {
		t.Fatalf("Thumbnail failed: %v", err)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(thumb))
	if err != nil {
		t.Fatal(err)
	}
	if b := decoded.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("Expected 320x240 thumbnail, got %dx%d", b.Dx(), b.Dy())
	}

	if _, err := Thumbnail([]byte("not an image"), 320); err == nil {
		t.Error("Expected error for non-image data")
	}
}

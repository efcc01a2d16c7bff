package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storybook-pipeline/internal/artifact"
	"storybook-pipeline/internal/pipeline"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCharacterClientExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/extract", r.URL.Path)
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "uploads/dragon.png", in["image_url"])
		json.NewEncoder(w).Encode(map[string]string{
			"character_name":     "Sparky",
			"character_type":     "dragon",
			"special_ability":    "breathes bubbles",
			"original_image_url": "uploads/dragon.png",
		})
	}))
	defer srv.Close()

	client := NewCharacterClient(srv.URL, time.Second)
	ch, err := client.ExtractCharacter(context.Background(), map[string]any{"image_url": "uploads/dragon.png"})
	require.NoError(t, err)
	require.Equal(t, "Sparky", ch.Name)
	require.Equal(t, "dragon", ch.Kind)
}

func TestCharacterClientExtractRejectsEmptyName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"character_name": ""})
	}))
	defer srv.Close()

	client := NewCharacterClient(srv.URL, time.Second)
	_, err := client.ExtractCharacter(context.Background(), nil)
	require.ErrorContains(t, err, "empty character name")
}

func TestStoryClientEnforcesPageCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(pipeline.Story{
			Title: "The Bubble Quest",
			Pages: []string{"one", "two", "three", "four"},
		})
	}))
	defer srv.Close()

	client := NewStoryClient(srv.URL, time.Second)
	_, err := client.GenerateStory(context.Background(), pipeline.Character{Name: "Sparky"}, nil)
	require.ErrorContains(t, err, "got 4 pages, want 5")
}

func TestStoryClientHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(pipeline.Story{
			Title: "The Bubble Quest",
			Pages: []string{"one", "two", "three", "four", "five"},
		})
	}))
	defer srv.Close()

	client := NewStoryClient(srv.URL, time.Second)
	story, err := client.GenerateStory(context.Background(), pipeline.Character{Name: "Sparky"}, nil)
	require.NoError(t, err)
	require.Equal(t, "The Bubble Quest", story.Title)
	require.Len(t, story.Pages, 5)
}

func TestSceneClientNormalizesAndUploads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/scene", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes(t, 2048, 1024))
	}))
	defer srv.Close()

	dir := t.TempDir()
	client := NewSceneClient(srv.URL, time.Second, artifact.NewLocalStore(dir))

	ref, err := client.CreateScene(context.Background(), pipeline.SceneRequest{
		JobID:             "job-1",
		SceneIndex:        0,
		PageText:          "Sparky finds a cave",
		Character:         pipeline.Character{Name: "Sparky"},
		ReferenceImageURL: "refs/sparky.jpg",
	})
	require.NoError(t, err)
	require.Contains(t, ref, "scenes/job-1/scene_0_")

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 1024, img.Bounds().Dx())
}

func TestSceneClientPropagatesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewSceneClient(srv.URL, time.Second, artifact.NewLocalStore(t.TempDir()))
	_, err := client.CreateScene(context.Background(), pipeline.SceneRequest{JobID: "job-1", SceneIndex: 1})
	require.ErrorContains(t, err, "status 503")
}

func TestValidatorClientMarksAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"is_consistent":    true,
			"similarity_score": 0.87,
		})
	}))
	defer srv.Close()

	client := NewValidatorClient(srv.URL, time.Second)
	report, err := client.ValidateConsistency(context.Background(), "scenes/a.jpg", "refs/a.jpg")
	require.NoError(t, err)
	require.True(t, report.ValidationAvailable)
	require.InDelta(t, 0.87, report.SimilarityScore, 1e-9)
}

func TestAudioClientToleratesPageFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in narrateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.Page == 2 {
			http.Error(w, "voice unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	client := NewAudioClient(srv.URL, time.Second, artifact.NewLocalStore(t.TempDir()))
	urls, err := client.NarratePages(context.Background(), []string{"p1", "p2", "p3"}, "4-6")
	require.NoError(t, err)
	require.Len(t, urls, 3)
	require.NotNil(t, urls[0])
	require.Nil(t, urls[1])
	require.NotNil(t, urls[2])
}

func TestAudioClientFailsWhenNoPageSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "voice unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewAudioClient(srv.URL, time.Second, artifact.NewLocalStore(t.TempDir()))
	_, err := client.NarratePages(context.Background(), []string{"p1", "p2"}, "4-6")
	require.ErrorContains(t, err, "all 2 pages failed")
}

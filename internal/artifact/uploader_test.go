package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreWritesUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)

	ref, err := store.Upload(context.Background(), "scenes/job-1/scene_0.jpg", []byte("jpeg bytes"), "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "scenes", "job-1", "scene_0.jpg"), ref)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg bytes"), data)
}

func TestSanitizeKeyStripsTraversal(t *testing.T) {
	require.Equal(t, "etc/passwd", sanitizeKey("/../etc/passwd"))
	require.Equal(t, "a/b.pdf", sanitizeKey("./a//b.pdf"))
}

func TestKeyShapes(t *testing.T) {
	require.Regexp(t, `^scenes/job-1/scene_3_[0-9a-f]{8}\.jpg$`, SceneKey("job-1", 3))
	require.Regexp(t, `^audio/job-1/page_2_[0-9a-f]{8}\.mp3$`, AudioKey("job-1", 2))
	require.Regexp(t, `^pdfs/book_story_adventure_job-1_\d{8}_\d{6}_[0-9a-f]{8}\.pdf$`, BookKey("job-1", "story_adventure"))
}

package db

import (
	"os"
	"testing"

	"instaup/internal/models"
)

func TestConnect_UnknownDriver(t *testing.T) {
	if _, err := Connect("mysql", "whatever"); err == nil {
		t.Fatal("Connect() with unknown driver should fail")
	}
}

func TestMemory_MigratesAndIsolates(t *testing.T) {
	a, err := Memory()
	if err != nil {
		t.Fatalf("Memory() error = %v", err)
	}
	b, err := Memory()
	if err != nil {
		t.Fatalf("Memory() error = %v", err)
	}

	if err := a.Create(&models.User{Name: "Ann", Email: "ann@example.com", Role: models.RoleUser}).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	var countA, countB int64
	a.Model(&models.User{}).Count(&countA)
	b.Model(&models.User{}).Count(&countB)
	if countA != 1 || countB != 0 {
		t.Errorf("counts = (%d, %d), want (1, 0)", countA, countB)
	}
}

func TestMemory_MediaListRoundTrip(t *testing.T) {
	gdb, err := Memory()
	if err != nil {
		t.Fatalf("Memory() error = %v", err)
	}
	story := models.Story{
		UserID:    1,
		StoryType: models.ContentImage,
		Images:    models.MediaList{{URL: "http://x/a.jpg", Key: "stories/a"}, {URL: "http://x/b.jpg", Key: "stories/b"}},
	}
	if err := gdb.Create(&story).Error; err != nil {
		t.Fatalf("create story: %v", err)
	}
	var got models.Story
	if err := gdb.First(&got, story.ID).Error; err != nil {
		t.Fatalf("load story: %v", err)
	}
	if len(got.Images) != 2 || got.Images[1].Key != "stories/b" {
		t.Errorf("Images = %+v", got.Images)
	}
}

func TestConnect_Postgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("skip: TEST_DATABASE_DSN not set")
	}
	gdb, err := Connect("postgres", dsn)
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
}

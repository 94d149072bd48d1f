//go:build integration

// Package testutils provides shared infrastructure for integration tests:
// HTTP servers that behave like real download and catalog sources, and a
// Minio container to store downloads in.
package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

// TestFile is a resource served by StartTestHTTPServer.
type TestFile struct {
	Name string
	Size int64
	Data []byte
	ETag string
}

// GenerateTestData returns size bytes. Small sizes get a repeating pattern so
// mismatches are easy to locate, larger ones get seeded pseudo-random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
		return data
	}
	r := rand.New(rand.NewPCG(uint64(size), 42))
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

// Server is a test HTTP server that counts the requests it answers.
type Server struct {
	*httptest.Server

	gets   atomic.Int32
	ranged atomic.Int32
}

// Gets returns the number of GET requests served.
func (s *Server) Gets() int { return int(s.gets.Load()) }

// RangedGets returns the number of GET requests that carried a Range header.
func (s *Server) RangedGets() int { return int(s.ranged.Load()) }

// StartTestHTTPServer serves files at /<name> with HEAD, ETag and range
// support. The server is closed when the test ends.
func StartTestHTTPServer(t *testing.T, files []TestFile) *Server {
	t.Helper()
	s := &Server{}
	s.Server = httptest.NewServer(s.files(files))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) files(files []TestFile) http.Handler {
	byPath := make(map[string]TestFile, len(files))
	for _, f := range files {
		byPath["/"+f.Name] = f
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := byPath[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			s.gets.Add(1)
			if r.Header.Get("Range") != "" {
				s.ranged.Add(1)
			}
		}

		etag := f.ETag
		if etag == "" {
			etag = f.Name
		}
		w.Header().Set("ETag", fmt.Sprintf("%q", etag))
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(f.Data))
	})
}

// CatalogPhoto is one entry served by StartCatalogServer.
type CatalogPhoto struct {
	Name        string
	Title       string
	Description string
	Data        []byte
}

type catalogEntry struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// StartCatalogServer serves a photo catalog at /catalog and each photo's
// data at /images/<name>. Photos with nil Data are listed but answer 404.
func StartCatalogServer(t *testing.T, photos []CatalogPhoto) *Server {
	t.Helper()

	var files []TestFile
	for _, p := range photos {
		if p.Data != nil {
			files = append(files, TestFile{Name: "images/" + p.Name, Size: int64(len(p.Data)), Data: p.Data})
		}
	}

	s := &Server{}
	images := s.files(files)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/catalog" {
			images.ServeHTTP(w, r)
			return
		}

		list := make([]catalogEntry, 0, len(photos))
		for _, p := range photos {
			list = append(list, catalogEntry{
				URL:         "http://" + r.Host + "/images/" + p.Name,
				Title:       p.Title,
				Description: p.Description,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "photos": list})
	}))
	t.Cleanup(s.Close)
	return s
}

// MinioEnv contains connection information for a Minio test environment.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Close terminates the Minio container.
func (e *MinioEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// OpenBucket opens a gocloud bucket connection to the Minio environment.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinioContainer starts a Minio container with a pre-created bucket.
func StartMinioContainer(t *testing.T, ctx context.Context, bucketName string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	// minio and mc share a network so mc can reach minio by alias
	networkName := fmt.Sprintf("trickle-test-net-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name: networkName,
		},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(ctx) })

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Networks:     []string{networkName},
			NetworkAliases: map[string][]string{
				networkName: {"minio"},
			},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	makeBucket(t, ctx, networkName, accessKey, secretKey, bucketName)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	bucketURL := fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
		bucketName, endpoint)

	// s3blob picks credentials up from the environment
	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)

	return &MinioEnv{
		Container: container,
		BucketURL: bucketURL,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}

// makeBucket creates bucketName with a short-lived minio/mc container.
func makeBucket(t *testing.T, ctx context.Context, networkName, accessKey, secretKey, bucketName string) {
	t.Helper()

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{networkName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd: []string{
				fmt.Sprintf("/usr/bin/mc alias set local http://minio:9000 %s %s && /usr/bin/mc mb local/%s",
					accessKey, secretKey, bucketName),
			},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mc container: %v", err)
	}
	defer mc.Terminate(ctx)
}

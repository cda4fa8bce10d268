package services

import (
	"bytes"
	gocontext "context"
	"fmt"
	"os"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/elenchus-labs/elenchus_api/model"
)

// ArchiveService writes terminal queue requests to object storage before the
// cleanup job deletes them from Postgres. Disabled unless ARCHIVE_ENABLED is
// set; when disabled, cleanup simply deletes.
type ArchiveService struct {
	context.DefaultService

	client     *minio.Client
	enabled    bool
	bucketName string
	endpoint   string
	accessKey  string
	secretKey  string
	useSSL     bool
}

const ARCHIVE_SVC = "archive_svc"

func (svc ArchiveService) Id() string {
	return ARCHIVE_SVC
}

func (svc *ArchiveService) Enabled() bool {
	return svc.enabled && svc.client != nil
}

func (svc *ArchiveService) Configure(ctx *context.Context) error {
	svc.enabled = os.Getenv("ARCHIVE_ENABLED") == "true"

	svc.endpoint = os.Getenv("MINIO_ENDPOINT")
	if svc.endpoint == "" {
		svc.endpoint = "localhost:9000"
	}

	svc.accessKey = os.Getenv("MINIO_ACCESS_KEY")
	svc.secretKey = os.Getenv("MINIO_SECRET_KEY")
	svc.useSSL = os.Getenv("MINIO_USE_SSL") == "true"

	svc.bucketName = os.Getenv("MINIO_BUCKET_NAME")
	if svc.bucketName == "" {
		svc.bucketName = "elenchus-archive"
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *ArchiveService) Start() error {
	if !svc.enabled {
		log.Println("Archive disabled")
		return nil
	}

	client, err := minio.New(svc.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(svc.accessKey, svc.secretKey, ""),
		Secure: svc.useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %v", err)
	}

	svc.client = client

	if err := svc.ensureBucket(); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %v", err)
	}

	log.Printf("Archive started with endpoint: %s", svc.endpoint)
	return nil
}

func (svc *ArchiveService) ensureBucket() error {
	ctx := gocontext.Background()

	exists, err := svc.client.BucketExists(ctx, svc.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = svc.client.MakeBucket(ctx, svc.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
		log.Printf("Created MinIO bucket: %s", svc.bucketName)
	}

	return nil
}

// ArchiveRequests writes one JSON-lines object per batch, keyed by date and
// upload time so repeated cleanups never collide.
func (svc *ArchiveService) ArchiveRequests(requests []model.QueuedRequest) error {
	if len(requests) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i := range requests {
		line, err := sonic.Marshal(&requests[i])
		if err != nil {
			return fmt.Errorf("failed to marshal request %s: %v", requests[i].ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("requests/%s/%d.jsonl", now.Format("2006-01-02"), now.UnixNano())

	ctx := gocontext.Background()
	_, err := svc.client.PutObject(ctx, svc.bucketName, objectName, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive batch: %v", err)
	}

	log.WithFields(log.Fields{"object": objectName, "count": len(requests)}).Info("Archived queue requests")
	return nil
}

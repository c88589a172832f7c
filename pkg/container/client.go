package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"

	"github.com/poddipe/poddipe/pkg/ctxlog"
	"github.com/poddipe/poddipe/pkg/models"
)

// NewClient builds a docker client from the environment (DOCKER_HOST etc.).
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return cli, nil
}

var (
	pulledMu     sync.Mutex
	pulledImages = map[string]bool{}
)

// PullImage pulls the image unless it was already pulled by this process.
func PullImage(ctx context.Context, cli client.ImageAPIClient, image *models.Image) error {
	logger := ctxlog.From(ctx)

	pulledMu.Lock()
	already := pulledImages[image.Name]
	pulledMu.Unlock()

	if already {
		logger.Info("image already pulled", "image", image.Name)
		return nil
	}

	logger.Info("pulling image", "image", image.Name)

	auth, err := imageAuthentication(ctx, image)
	if err != nil {
		return err
	}

	reader, err := cli.ImagePull(ctx, image.Name, types.ImagePullOptions{RegistryAuth: auth})
	if err != nil {
		return errors.Wrapf(err, "pulling image: %s", image.Name)
	}
	defer reader.Close()

	// The pull is only complete once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errors.Wrapf(err, "pulling image: %s", image.Name)
	}

	pulledMu.Lock()
	pulledImages[image.Name] = true
	pulledMu.Unlock()

	return nil
}

func imageAuthentication(ctx context.Context, image *models.Image) (string, error) {
	if image.AWS != nil {
		username, password, err := ecrCredentials(ctx, image.AWS)
		if err != nil {
			return "", err
		}
		return encodeAuth(username, password)
	}

	if image.Username != "" && image.Password != "" {
		return encodeAuth(image.Username, image.Password)
	}

	return "", nil
}

func ecrCredentials(ctx context.Context, creds *models.AWSCredentials) (string, string, error) {
	region := os.Getenv("AWS_DEFAULT_REGION")
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKey, creds.SecretKey, os.Getenv("AWS_SESSION_TOKEN"),
		)),
	)
	if err != nil {
		return "", "", errors.Wrap(err, "loading aws configuration")
	}

	out, err := ecr.NewFromConfig(cfg).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", errors.Wrap(err, "getting ecr authorization token")
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		return "", "", errors.New("empty ecr authorization response")
	}

	token, err := base64.StdEncoding.DecodeString(*out.AuthorizationData[0].AuthorizationToken)
	if err != nil {
		return "", "", errors.Wrap(err, "decoding ecr authorization token")
	}

	username, password, found := strings.Cut(string(token), ":")
	if !found {
		return "", "", errors.New("malformed ecr authorization token")
	}

	return username, password, nil
}

func encodeAuth(username, password string) (string, error) {
	payload, err := json.Marshal(registry.AuthConfig{Username: username, Password: password})
	if err != nil {
		return "", errors.Wrap(err, "encoding registry auth")
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

package googlephotos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/cloudupload-go/internal/provider"
)

const defaultContentType = "image/jpeg"

type batchCreateRequest struct {
	NewMediaItems []newMediaItem `json:"newMediaItems"`
}

type newMediaItem struct {
	SimpleMediaItem simpleMediaItem `json:"simpleMediaItem"`
}

type simpleMediaItem struct {
	UploadToken string `json:"uploadToken"`
	FileName    string `json:"fileName"`
}

type batchCreateResponse struct {
	NewMediaItemResults []struct {
		Status struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"status"`
		MediaItem struct {
			ID string `json:"id"`
		} `json:"mediaItem"`
	} `json:"newMediaItemResults"`
}

// UploadAsset sends the bytes, then creates a media item from the returned
// upload token. It returns the new media item id.
func (c *Client) UploadAsset(ctx context.Context, accessToken string, asset provider.Asset) (string, error) {
	token, err := c.uploadBytes(ctx, accessToken, asset)
	if err != nil {
		return "", err
	}

	id, err := c.createMediaItem(ctx, accessToken, token, asset.Name)
	if err != nil {
		return "", err
	}

	c.logger.Debug("asset uploaded",
		slog.String("name", asset.Name),
		slog.Int("bytes", len(asset.Data)),
	)

	return id, nil
}

func (c *Client) uploadBytes(ctx context.Context, accessToken string, asset provider.Asset) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoints.PhotosBaseURL+"/uploads", bytes.NewReader(asset.Data))
	if err != nil {
		return "", fmt.Errorf("googlephotos: building upload request: %w", err)
	}

	contentType := asset.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Goog-Upload-Content-Type", contentType)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-Upload-File-Name", asset.Name)

	resp, err := c.do(ctx, c.uploadHTTP, req, "upload bytes")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(ctx, "upload bytes", err)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", &provider.NetworkError{
			StatusCode: resp.StatusCode,
			Message:    "upload bytes: empty upload token",
		}
	}

	return token, nil
}

func (c *Client) createMediaItem(ctx context.Context, accessToken, uploadToken, name string) (string, error) {
	body, err := json.Marshal(batchCreateRequest{
		NewMediaItems: []newMediaItem{{
			SimpleMediaItem: simpleMediaItem{UploadToken: uploadToken, FileName: name},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("googlephotos: encoding batchCreate: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoints.PhotosBaseURL+"/mediaItems:batchCreate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("googlephotos: building batchCreate request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, c.metaHTTP, req, "batchCreate")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out batchCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &provider.NetworkError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("batchCreate: decoding response: %v", err),
		}
	}

	if len(out.NewMediaItemResults) == 0 {
		return "", &provider.NetworkError{
			StatusCode: http.StatusBadGateway,
			Message:    "batchCreate: no results",
		}
	}

	r := out.NewMediaItemResults[0]
	if r.Status.Code != 0 {
		return "", &provider.NetworkError{
			StatusCode: rpcStatusToHTTP(r.Status.Code),
			Message:    "batchCreate: " + r.Status.Message,
		}
	}

	return r.MediaItem.ID, nil
}

// rpcStatusToHTTP maps a google.rpc.Code to its HTTP equivalent.
func rpcStatusToHTTP(code int) int {
	switch code {
	case 3: // INVALID_ARGUMENT
		return http.StatusBadRequest
	case 7: // PERMISSION_DENIED
		return http.StatusForbidden
	case 8: // RESOURCE_EXHAUSTED
		return http.StatusTooManyRequests
	case 16: // UNAUTHENTICATED
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

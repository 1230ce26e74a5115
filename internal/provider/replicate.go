package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// Replicate implements Handle for Replicate's prediction API. Every
// generation is a job: create a prediction, then poll it until it
// succeeds, fails or is canceled.
type Replicate struct {
	base
}

const replicateBaseURL = "https://api.replicate.com/v1"

// NewReplicate creates a Replicate handle. Replicate has no useful model
// listing for a gateway (the public catalog is enormous), so ListModels
// serves the configured static list.
func NewReplicate(s Settings, d Deps) *Replicate {
	return &Replicate{base: newBase(s, d, replicateBaseURL, transport.Bearer, nil)}
}

// Capabilities reports image and video generation, plus model listing when
// a static list is configured.
func (r *Replicate) Capabilities() CapabilitySet {
	if len(r.models) > 0 {
		return NewCapabilitySet(CapImage, CapVideo, CapListModels)
	}
	return NewCapabilitySet(CapImage, CapVideo)
}

// replicatePrediction is the prediction object returned on create and on
// every poll. Output's shape is model-defined: a URL, a list of URLs, or
// something else entirely, so it stays raw.
type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (p replicatePrediction) finished() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// ListModels returns the configured model list.
func (r *Replicate) ListModels(context.Context) ([]ModelSummary, error) {
	if len(r.models) == 0 {
		return nil, gwerr.NotSupported(r.Provider, string(CapListModels))
	}
	return r.staticModels(), nil
}

// GenerateImage runs a prediction with the prompt as input.
func (r *Replicate) GenerateImage(ctx context.Context, req *ImageRequest) (*MediaResponse, error) {
	input := map[string]any{"prompt": req.Prompt}
	if req.N > 1 {
		input["num_outputs"] = req.N
	}
	if req.Size != "" {
		if w, h, ok := strings.Cut(req.Size, "x"); ok {
			input["width"], input["height"] = jsonNumber(w), jsonNumber(h)
		}
	}
	return r.predict(ctx, string(CapImage), req.Model, input, req.Options, "image/")
}

// GenerateVideo runs a prediction with the prompt as input.
func (r *Replicate) GenerateVideo(ctx context.Context, req *VideoRequest) (*MediaResponse, error) {
	input := map[string]any{"prompt": req.Prompt}
	if req.DurationSeconds > 0 {
		input["duration"] = req.DurationSeconds
	}
	if req.AspectRatio != "" {
		input["aspect_ratio"] = req.AspectRatio
	}
	return r.predict(ctx, string(CapVideo), req.Model, input, req.Options, "video/")
}

// predict creates a prediction for model ("owner/name" or
// "owner/name:version") and polls it to completion. options are overlaid
// on the model input, since that is where Replicate models take their
// parameters.
func (r *Replicate) predict(ctx context.Context, op, model string, input, options map[string]any, mediaPrefix string) (*MediaResponse, error) {
	key, err := r.credential()
	if err != nil {
		return nil, err
	}
	merged, err := transport.MergeOptions(input, options)
	if err != nil {
		return nil, err
	}

	path, body := "/models/"+model+"/predictions", map[string]any{"input": merged}
	if _, version, ok := strings.Cut(model, ":"); ok {
		path = "/predictions"
		body["version"] = version
	}

	var pred replicatePrediction
	if err := r.client.JSON(ctx, http.MethodPost, path, key, body, &pred); err != nil {
		return nil, err
	}
	if pred.ID == "" {
		return nil, gwerr.Protocol(r.Provider, "prediction without id")
	}

	if !pred.finished() {
		pollURL := pred.URLs.Get
		if pollURL == "" {
			pollURL = "/predictions/" + pred.ID
		}
		pred, err = pollJob(ctx, &r.base, func(ctx context.Context) (replicatePrediction, error) {
			key, err := r.credential()
			if err != nil {
				return replicatePrediction{}, err
			}
			var current replicatePrediction
			err = r.client.JSON(ctx, http.MethodGet, pollURL, key, nil, &current)
			return current, err
		}, replicatePrediction.finished)
		if err != nil {
			return nil, err
		}
	}

	if pred.Status != "succeeded" {
		msg := fmt.Sprintf("prediction %s", pred.Status)
		if pred.Error != nil {
			msg = fmt.Sprintf("%s: %v", msg, pred.Error)
		}
		e := upstreamMessage(r.Provider, msg)
		e.Op = op
		return nil, e
	}

	out := &MediaResponse{ID: pred.ID}
	collect := func(v gjson.Result) {
		if v.Type == gjson.String && v.String() != "" {
			out.Media = append(out.Media, Media{URL: v.String(), MediaType: mediaType(v.String(), mediaPrefix)})
		}
	}
	output := gjson.ParseBytes(pred.Output)
	if output.IsArray() {
		output.ForEach(func(_, v gjson.Result) bool {
			collect(v)
			return true
		})
	} else {
		collect(output)
	}
	if len(out.Media) == 0 {
		return nil, gwerr.Protocol(r.Provider, "prediction succeeded without output URLs")
	}
	return out, nil
}

// mediaType guesses a media type from a file URL's extension.
func mediaType(fileURL, prefix string) string {
	if i := strings.IndexByte(fileURL, '?'); i >= 0 {
		fileURL = fileURL[:i]
	}
	dot := strings.LastIndexByte(fileURL, '.')
	if dot < 0 || dot < strings.LastIndexByte(fileURL, '/') {
		return ""
	}
	ext := strings.ToLower(fileURL[dot+1:])
	if ext == "jpg" {
		ext = "jpeg"
	}
	return prefix + ext
}

// jsonNumber turns "1024" into a number, leaving anything else a string
// for the model to reject.
func jsonNumber(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

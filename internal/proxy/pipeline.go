package proxy

import (
	"mime"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/thryfted-gateway/internal/config"
	"github.com/smallbiznis/thryfted-gateway/internal/http/apierr"
	httpmiddleware "github.com/smallbiznis/thryfted-gateway/internal/http/middleware"
	apimiddleware "github.com/smallbiznis/thryfted-gateway/internal/middleware"
)

// StageKind identifies one step of a route's admission pipeline.
type StageKind int

const (
	StageRateLimit StageKind = iota + 1
	StageIdentity
	StageRequireRole
	StageRequireVerified
	StageUploadGuard
)

func (k StageKind) String() string {
	switch k {
	case StageRateLimit:
		return "rate_limit"
	case StageIdentity:
		return "identity"
	case StageRequireRole:
		return "require_role"
	case StageRequireVerified:
		return "require_verified"
	case StageUploadGuard:
		return "upload_guard"
	default:
		return "unknown"
	}
}

// Stage is a typed admission step. Policy applies to StageIdentity and Role
// to StageRequireRole.
type Stage struct {
	Kind   StageKind
	Policy string
	Role   string
}

// compileStages orders a route's stages: rate limit, identity, guards, upload.
func compileStages(rc config.Route) []Stage {
	var stages []Stage
	if rc.RateLimited() {
		stages = append(stages, Stage{Kind: StageRateLimit})
	}
	stages = append(stages, Stage{Kind: StageIdentity, Policy: rc.Auth})
	if rc.RequireRole != "" {
		stages = append(stages, Stage{Kind: StageRequireRole, Role: rc.RequireRole})
	}
	if rc.RequireVerified {
		stages = append(stages, Stage{Kind: StageRequireVerified})
	}
	if rc.Upload {
		stages = append(stages, Stage{Kind: StageUploadGuard})
	}
	return stages
}

// UploadPolicy bounds request bodies on upload routes.
type UploadPolicy struct {
	MaxBytes     int64
	AllowedTypes []string
}

// Pipeline evaluates stage lists. It holds no per-request state.
type Pipeline struct {
	Limiter *apimiddleware.RateLimiter
	Auth    *httpmiddleware.Auth
	Upload  UploadPolicy
}

// NewPipeline constructs the stage interpreter.
func NewPipeline(limiter *apimiddleware.RateLimiter, auth *httpmiddleware.Auth, cfg config.Config) *Pipeline {
	return &Pipeline{
		Limiter: limiter,
		Auth:    auth,
		Upload:  UploadPolicy{MaxBytes: cfg.MaxUploadSize, AllowedTypes: cfg.UploadAllowedTypes},
	}
}

// Run executes stages in order and returns the first rejection.
func (p *Pipeline) Run(c *gin.Context, stages []Stage) *apierr.Error {
	for _, st := range stages {
		if err := p.runStage(c, st); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(c *gin.Context, st Stage) *apierr.Error {
	switch st.Kind {
	case StageRateLimit:
		return p.Limiter.Check(c)
	case StageIdentity:
		return p.Auth.Resolve(c, st.Policy)
	case StageRequireRole:
		return httpmiddleware.CheckRole(c, st.Role)
	case StageRequireVerified:
		return httpmiddleware.CheckVerified(c)
	case StageUploadGuard:
		return p.Upload.check(c)
	default:
		return apierr.Internal()
	}
}

func (u UploadPolicy) check(c *gin.Context) *apierr.Error {
	req := c.Request
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil
	}

	if u.MaxBytes > 0 {
		if req.ContentLength > u.MaxBytes {
			return apierr.New(http.StatusRequestEntityTooLarge, apierr.CodePayloadTooLarge, "File too large")
		}
		req.Body = http.MaxBytesReader(c.Writer, req.Body, u.MaxBytes)
	}

	ct := req.Header.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return apierr.New(http.StatusUnsupportedMediaType, apierr.CodeUnsupportedMediaType, "Invalid content type")
	}
	if mediaType == "multipart/form-data" || slices.Contains(u.AllowedTypes, mediaType) {
		return nil
	}
	return apierr.New(http.StatusUnsupportedMediaType, apierr.CodeUnsupportedMediaType, "Unsupported file type "+mediaType)
}

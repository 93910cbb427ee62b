package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientConfig contains the values a browser front end needs to construct
// its session mirror.
type ClientConfig struct {
	ProviderURL    string
	SiteURL        string
	GoogleClientID string
}

// ServeClientConfig emits a script that defines window.__DASHAUTH_CONFIG.
// An empty ProviderURL resolves to the origin the request was made against.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	providerURL := configuration.ProviderURL
	if strings.TrimSpace(providerURL) == "" {
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		providerURL = fmt.Sprintf("%s://%s", forwardedProto(contextGin.Request), host)
	}
	payload := struct {
		ProviderURL    string `json:"providerUrl"`
		SiteURL        string `json:"siteUrl"`
		GoogleClientID string `json:"googleClientId,omitempty"`
	}{
		ProviderURL:    strings.TrimRight(providerURL, "/"),
		SiteURL:        strings.TrimRight(configuration.SiteURL, "/"),
		GoogleClientID: configuration.GoogleClientID,
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__DASHAUTH_CONFIG=Object.freeze(%s);})();`, string(encoded))

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}

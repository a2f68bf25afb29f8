package middleware

import (
	"net/http"

	"docqa-platform/utils"

	"github.com/gin-gonic/gin"
)

// DecompressBody transparently decodes gzip, deflate and brotli request bodies
func DecompressBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		encoding := c.GetHeader("Content-Encoding")
		if encoding == "" || c.Request.Body == nil {
			c.Next()
			return
		}

		algorithm, ok := utils.AlgorithmForEncoding(encoding)
		if !ok {
			utils.RespondWithError(c, http.StatusUnsupportedMediaType,
				"unsupported_encoding",
				"Unsupported Content-Encoding",
				gin.H{"encoding": encoding})
			c.Abort()
			return
		}

		reader, err := utils.NewDecompressReader(c.Request.Body, algorithm)
		if err != nil {
			utils.RespondWithBadRequest(c, "Request body could not be decoded", gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		defer reader.Close()

		c.Request.Body = reader
		c.Request.Header.Del("Content-Encoding")
		c.Request.ContentLength = -1
		c.Next()
	}
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/machinepay/channeld/internal/device"
)

const deviceCtxKey = "device"

// DeviceAuth validates the device credential headers on usage-report routes.
// Failures are uniformly 401 so callers cannot probe which devices exist or
// are disabled.
func DeviceAuth(devices *device.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Device-Id")
		key := c.GetHeader("X-Device-Key")
		if id == "" || key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing device auth headers"})
			return
		}
		d, err := devices.Authenticate(c.Request.Context(), id, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid device credentials"})
			return
		}
		c.Set(deviceCtxKey, d)
		c.Next()
	}
}

func authedDevice(c *gin.Context) *device.Device {
	d, _ := c.Get(deviceCtxKey)
	return d.(*device.Device)
}

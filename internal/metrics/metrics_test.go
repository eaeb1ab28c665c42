package metrics

import (
	"net"
	"strings"
	"testing"
	"time"

	"nestbridge/internal/thermostat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func listen(t *testing.T) *net.UDPConn {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil collects datagram lines until one contains want or the deadline passes.
func readUntil(t *testing.T, conn *net.UDPConn, want string) []string {
	var lines []string
	buf := make([]byte, 65536)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			if line == "" {
				continue
			}
			lines = append(lines, line)
			if strings.Contains(line, want) {
				return lines
			}
		}
	}
	return lines
}

func TestUpdateCharacteristicEmitsGauge(t *testing.T) {
	conn := listen(t)
	logger, _ := zap.NewDevelopment()

	client, err := New(conn.LocalAddr().String(), "nestbridge", logger)
	require.NoError(t, err)
	defer client.Close()

	client.UpdateCharacteristic("abc123", thermostat.CurrentTemperature, 19.5)
	require.NoError(t, client.Flush())

	lines := readUntil(t, conn, "thermostat.current_temperature")
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Contains(t, last, "nestbridge")
	assert.Contains(t, last, "thermostat.current_temperature:19.5|g")
	assert.Contains(t, last, "#device:abc123")
}

func TestUpdateCharacteristicSkipsDisplayUnits(t *testing.T) {
	conn := listen(t)
	logger, _ := zap.NewDevelopment()

	client, err := New(conn.LocalAddr().String(), "nestbridge", logger)
	require.NoError(t, err)
	defer client.Close()

	client.UpdateCharacteristic("abc123", thermostat.TemperatureDisplayUnits, 1)
	client.UpdateCharacteristic("abc123", thermostat.TargetHeatingCoolingState, 3)
	require.NoError(t, client.Flush())

	lines := readUntil(t, conn, "thermostat.target_mode")
	for _, line := range lines {
		assert.NotContains(t, line, "display_units")
	}
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "thermostat.target_mode:3|g")
}

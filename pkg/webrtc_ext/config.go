package webrtc_ext

import "github.com/pion/webrtc/v3"

// Used when no ICE servers are configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Configuration of the WebRTC API used for the peer connections.
type Config struct {
	// STUN/TURN servers offered to the ICE agent.
	ICEServers []ICEServer `yaml:"iceServers"`
	// Public IP addresses of this host (when behind a 1:1 NAT).
	PublicIPs []string `yaml:"ipAddresses"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{DefaultSTUNServer}}}
	}

	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		converted := webrtc.ICEServer{URLs: server.URLs, Username: server.Username}
		if server.Credential != "" {
			converted.Credential = server.Credential
			converted.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, converted)
	}

	return servers
}

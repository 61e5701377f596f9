package connection

type (
	Protocol         string
	ScrapliTransport string
)

const (
	ProtocolScrapli Protocol = "scrapli"
	ProtocolSSH     Protocol = "ssh"

	// scrapligo 传输实现
	ScrapliTransportSystem   ScrapliTransport = "system"
	ScrapliTransportStandard ScrapliTransport = "standard"
	ScrapliTransportTelnet   ScrapliTransport = "telnet"
)

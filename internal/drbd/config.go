package drbd

import (
	"bytes"
	"context"
	"text/template"
)

// resourceFileTemplate renders the bit-exact DRBD resource file: a
// shared net/disk section tuned for live-migration throughput, followed
// by one "on {host}" stanza per endpoint.
var resourceFileTemplate = template.Must(template.New("drbd.res").Parse(
	`resource {{.FQDN}} {
    net {
        protocol C;
        max-buffers 24k;
        allow-two-primaries;
    }
    disk {
         c-max-rate 750M;
         resync-rate 750M;
    }
{{.SrcHostConfig}}
{{.DstHostConfig}}
}
`))

type resourceFileData struct {
	FQDN          string
	SrcHostConfig string
	DstHostConfig string
}

// buildConfig renders the resource file for r's endpoint paired against
// peer. allow-two-primaries is not optional: both ends must stay
// writable for the duration of a live memory hand-off.
func buildConfig(ctx context.Context, r, peer *Resource, srcIP, dstIP string) ([]byte, error) {
	src, err := r.HostConfig(ctx, srcIP)
	if err != nil {
		return nil, err
	}
	dst, err := peer.HostConfig(ctx, dstIP)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = resourceFileTemplate.Execute(&buf, resourceFileData{
		FQDN:          r.vm.FQDN(),
		SrcHostConfig: src,
		DstHostConfig: dst,
	})
	return buf.Bytes(), err
}

// resourceFilePath is where a VM's DRBD resource file lives on a
// hypervisor that holds an endpoint for it.
func resourceFilePath(vmFQDN string) string {
	return "/etc/drbd.d/" + vmFQDN + ".res"
}

const resourceFileMode = 0640

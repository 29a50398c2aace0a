package topology

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// Service labels that shape the probe derived from a compose service.
const (
	LabelTier       = "fleetpilot.tier"
	LabelProbePath  = "fleetpilot.probe.path"
	LabelProbePort  = "fleetpilot.probe.port"
	LabelProbeCodes = "fleetpilot.probe.expect"
	LabelProbeSkip  = "fleetpilot.probe.skip"
)

// ProbesFromCompose derives one probe per service that publishes a TCP port.
// Services get an http probe when they carry LabelProbePath, otherwise tcp.
// This is a pure function; content is the compose file body.
func ProbesFromCompose(content string, src ComposeSource) ([]domain.ServiceProbe, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadCompose(content, src.File)
	if err != nil {
		return nil, err
	}

	host := src.Host
	if host == "" {
		host = "localhost"
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	var probes []domain.ServiceProbe
	for _, name := range names {
		svc := project.Services[name]
		if skip, _ := strconv.ParseBool(svc.Labels[LabelProbeSkip]); skip {
			continue
		}

		port, ok, err := selectPort(svc)
		if err != nil {
			return nil, NewTopologyError("services."+name+".ports", err.Error(), ErrInvalidCompose)
		}
		if !ok {
			continue
		}

		tier := domain.Tier(src.Tier)
		if label := svc.Labels[LabelTier]; label != "" {
			tier = domain.Tier(strings.ToLower(label))
		}
		if !tier.Valid() {
			return nil, NewTopologyError("services."+name+".labels", "unknown tier "+string(tier), ErrInvalidCompose)
		}

		probe := domain.ServiceProbe{
			Name:   name,
			Tier:   tier,
			Kind:   domain.ProbeTCP,
			Target: net.JoinHostPort(host, strconv.Itoa(port)),
		}
		if path := svc.Labels[LabelProbePath]; path != "" {
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			probe.Kind = domain.ProbeHTTP
			probe.Target = "http://" + probe.Target + path
			codes, err := parseCodes(svc.Labels[LabelProbeCodes])
			if err != nil {
				return nil, NewTopologyError("services."+name+".labels", err.Error(), ErrInvalidCompose)
			}
			probe.ExpectedStatusCodes = codes
		}
		probes = append(probes, probe)
	}

	return probes, nil
}

// loadCompose loads a compose document with compose-go without touching the
// filesystem: extends, includes and path resolution are disabled.
func loadCompose(content, filename string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &dict); err != nil || dict == nil {
		return nil, NewTopologyError(filename, "invalid YAML syntax", ErrInvalidYAML)
	}

	projectName := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if projectName == "" || projectName == "." {
		projectName = "fleet"
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Filename: filename,
				Content:  []byte(content),
				Config:   dict,
			},
		},
		Environment: types.Mapping{},
	}, func(opts *loader.Options) {
		opts.SetProjectName(loader.NormalizeProjectName(projectName), false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.SkipInclude = true
		opts.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, NewTopologyError(filename, err.Error(), ErrInvalidCompose)
	}
	return project, nil
}

// selectPort picks the published TCP port to probe. LabelProbePort ("8080" or
// "8080/tcp") names a published port explicitly; otherwise the first published
// TCP port wins.
func selectPort(svc types.ServiceConfig) (int, bool, error) {
	published := make(map[nat.Port]bool)
	var ordered []nat.Port
	for _, p := range svc.Ports {
		if p.Published == "" {
			continue
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		// Ranges such as "8000-8010" are not probed.
		if _, err := strconv.Atoi(p.Published); err != nil {
			continue
		}
		port, err := nat.NewPort(proto, p.Published)
		if err != nil {
			return 0, false, err
		}
		if port.Proto() != "tcp" || published[port] {
			continue
		}
		published[port] = true
		ordered = append(ordered, port)
	}

	if want := svc.Labels[LabelProbePort]; want != "" {
		proto, raw := nat.SplitProtoPort(want)
		port, err := nat.NewPort(proto, raw)
		if err != nil {
			return 0, false, err
		}
		if port.Proto() != "tcp" {
			return 0, false, fmt.Errorf("probe port %s is not tcp", want)
		}
		if !published[port] {
			return 0, false, fmt.Errorf("probe port %s is not published", want)
		}
		return port.Int(), true, nil
	}

	if len(ordered) == 0 {
		return 0, false, nil
	}
	return ordered[0].Int(), true, nil
}

func parseCodes(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var codes []int
	for _, part := range strings.Split(raw, ",") {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("invalid status code %q", part)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

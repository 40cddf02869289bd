package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camorch/ipcam-orchestrator/internal/errs"
)

const deviceInfoEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
    xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
  <SOAP-ENV:Body>
    <tds:GetDeviceInformationResponse>
      <tds:Manufacturer>Dahua</tds:Manufacturer>
      <tds:Model>IPC-HDW4431C-A</tds:Model>
      <tds:FirmwareVersion>2.800.0000000.16.R</tds:FirmwareVersion>
      <tds:SerialNumber>4C05EA1PAG00042</tds:SerialNumber>
      <tds:HardwareId>1.00</tds:HardwareId>
    </tds:GetDeviceInformationResponse>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

const profilesEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
    xmlns:trt="http://www.onvif.org/ver10/media/wsdl"
    xmlns:tt="http://www.onvif.org/ver10/schema">
  <SOAP-ENV:Body>
    <trt:GetProfilesResponse>
      <trt:Profiles token="MediaProfile000" fixed="true">
        <tt:Name>mainStream</tt:Name>
      </trt:Profiles>
      <trt:Profiles token="MediaProfile001" fixed="true">
        <tt:Name>subStream</tt:Name>
      </trt:Profiles>
    </trt:GetProfilesResponse>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

const snapshotURIEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
    xmlns:trt="http://www.onvif.org/ver10/media/wsdl"
    xmlns:tt="http://www.onvif.org/ver10/schema">
  <SOAP-ENV:Body>
    <trt:GetSnapshotUriResponse>
      <trt:MediaUri>
        <tt:Uri>http://192.168.1.64/onvifsnapshot/media_service/snapshot?channel=1</tt:Uri>
        <tt:InvalidAfterConnect>false</tt:InvalidAfterConnect>
      </trt:MediaUri>
    </trt:GetSnapshotUriResponse>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

const streamURIEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
    xmlns:trt="http://www.onvif.org/ver10/media/wsdl"
    xmlns:tt="http://www.onvif.org/ver10/schema">
  <SOAP-ENV:Body>
    <trt:GetStreamUriResponse>
      <trt:MediaUri>
        <tt:Uri>rtsp://192.168.1.64:554/cam/realmonitor?channel=1&amp;subtype=0&amp;unicast=true</tt:Uri>
      </trt:MediaUri>
    </trt:GetStreamUriResponse>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

func TestParseDeviceInfo(t *testing.T) {
	info, err := parseDeviceInfo([]byte(deviceInfoEnvelope))
	require.NoError(t, err)
	assert.Equal(t, "Dahua", info.Manufacturer)
	assert.Equal(t, "IPC-HDW4431C-A", info.Model)
	assert.Equal(t, "2.800.0000000.16.R", info.FirmwareVer)
	assert.Equal(t, "4C05EA1PAG00042", info.SerialNumber)
}

func TestParseDeviceInfo_EmptyResponseRejected(t *testing.T) {
	_, err := parseDeviceInfo([]byte(`<Envelope><Body><GetDeviceInformationResponse/></Body></Envelope>`))
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	assert.Equal(t, errs.KindProtocol, kind)
}

func TestParseDeviceInfo_MalformedXML(t *testing.T) {
	_, err := parseDeviceInfo([]byte("this is not xml <<<"))
	assert.Error(t, err)
}

func TestParseProfileTokens(t *testing.T) {
	profiles, err := parseProfileTokens([]byte(profilesEnvelope))
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "MediaProfile000", profiles[0].Token)
	assert.Equal(t, "mainStream", profiles[0].Name)
	assert.Equal(t, "MediaProfile001", profiles[1].Token)
}

func TestParseProfileTokens_NoProfiles(t *testing.T) {
	profiles, err := parseProfileTokens([]byte(`<Envelope><Body><GetProfilesResponse/></Body></Envelope>`))
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestParseSnapshotURI(t *testing.T) {
	uri, err := parseSnapshotURI([]byte(snapshotURIEnvelope))
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.64/onvifsnapshot/media_service/snapshot?channel=1", uri)
}

func TestParseStreamURI(t *testing.T) {
	uri, err := parseStreamURI([]byte(streamURIEnvelope))
	require.NoError(t, err)
	assert.Equal(t, "rtsp://192.168.1.64:554/cam/realmonitor?channel=1&subtype=0&unicast=true", uri)
}

func TestParseMediaURI_MissingURIRejected(t *testing.T) {
	_, err := parseSnapshotURI([]byte(`<Envelope><Body><GetSnapshotUriResponse><MediaUri/></GetSnapshotUriResponse></Body></Envelope>`))
	assert.Error(t, err)

	_, err = parseStreamURI([]byte(`<Envelope><Body><GetStreamUriResponse/></Body></Envelope>`))
	assert.Error(t, err)
}
